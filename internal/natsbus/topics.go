package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicTaskResult(taskID string) string {
	return fmt.Sprintf("task.%s.result", taskID)
}

func TopicSwarmChat(swarmID string) string {
	return fmt.Sprintf("swarm.%s.chat", swarmID)
}

func TopicEventsSwarm(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

func TopicEventsSession(sessionID string) string {
	return fmt.Sprintf("events.session.%s", sessionID)
}

const (
	TopicEventsAll         = "events.>"
	TopicEventsAllSessions = "events.session.*"
	TopicEventsAllSwarms   = "events.swarm.*"
)
