package main

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	goarchive "github.com/moby/go-archive"

	"github.com/nkaragias/hivemind/internal/config"
)

// Archive components map a top-level directory inside the backup to a
// data directory on disk. The store component holds the sqlite database
// (including WAL sidecars), nats holds the embedded server's JetStream data.
var componentNames = []string{"store", "nats"}

func componentDirs(cfg *config.Config) map[string]string {
	return map[string]string{
		"store": filepath.Dir(cfg.Store.Path),
		"nats":  cfg.NATS.DataDir,
	}
}

// runBackup archives the data directories into a zstd-compressed tar.
// The gateway should be stopped first; a live database yields an
// inconsistent copy.
func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hivemind backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dirs := componentDirs(cfg)

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	archived := 0
	for _, name := range componentNames {
		dir := dirs[name]
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			slog.Warn("data directory missing, skipping", "component", name, "dir", dir)
			continue
		}
		slog.Info("backing up component", "component", name, "dir", dir)
		if err := backupDir(tw, name, dir); err != nil {
			return fmt.Errorf("backup %s: %w", name, err)
		}
		archived++
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Backup complete: %d components, %s\n", archived, formatSize(size))
	return nil
}

// backupDir streams a directory's tar entries into tw, prefixed with the
// component name so restore knows where each entry belongs.
func backupDir(tw *tar.Writer, component, dir string) error {
	rd, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar directory: %w", err)
	}
	defer rd.Close()

	srcTar := tar.NewReader(rd)
	for {
		hdr, err := srcTar.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		hdr.Name = path.Join(component, hdr.Name)
		if hdr.Typeflag == tar.TypeDir && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(tw, srcTar); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
		}
	}
	return nil
}

// runRestore extracts a backup archive back into the configured data
// directories. Existing non-empty directories are refused unless
// -overwrite is given.
func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hivemind restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dirs := componentDirs(cfg)

	// Pre-scan: collect component names from the archive
	components, err := scanArchiveComponents(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(components) == 0 {
		fmt.Println("Archive contains no data.")
		return nil
	}

	if !overwrite {
		for _, name := range components {
			if dirNonEmpty(dirs[name]) {
				return fmt.Errorf("data directory %s is not empty, add -overwrite to replace files", dirs[name])
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	// Track the current component's streaming state
	var (
		current string
		pw      *io.PipeWriter
		compTW  *tar.Writer
		untarErr chan error
	)

	finishComponent := func() error {
		if compTW == nil {
			return nil
		}
		compTW.Close()
		pw.Close()
		if err := <-untarErr; err != nil {
			return fmt.Errorf("untar %s: %w", current, err)
		}
		compTW = nil
		return nil
	}

	startComponent := func(name string) error {
		dest := dirs[name]
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", dest, err)
		}

		pr, pipew := io.Pipe()
		pw = pipew
		compTW = tar.NewWriter(pw)
		untarErr = make(chan error, 1)

		go func() {
			untarErr <- goarchive.Untar(pr, dest, &goarchive.TarOptions{})
		}()

		current = name
		slog.Info("restoring component", "component", name, "dir", dest)
		return nil
	}

	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if compTW != nil {
				compTW.Close()
				pw.Close()
				<-untarErr
			}
			return fmt.Errorf("read tar entry: %w", err)
		}

		name, relPath := splitComponentPath(hdr.Name)
		if name == "" {
			continue
		}

		// Component changed, finish the previous stream and start a new one
		if name != current || compTW == nil {
			if err := finishComponent(); err != nil {
				return err
			}
			if err := startComponent(name); err != nil {
				return err
			}
			restored++
		}

		hdr.Name = relPath
		if err := compTW.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write tar header: %w", err)
		}
		if hdr.Size > 0 {
			if _, err := io.Copy(compTW, tr); err != nil {
				return fmt.Errorf("write tar data: %w", err)
			}
		}
	}

	if err := finishComponent(); err != nil {
		return err
	}

	fmt.Printf("Restore complete: %d components\n", restored)
	return nil
}

// scanArchiveComponents reads tar headers to collect the component names
// present in the archive without extracting file data.
func scanArchiveComponents(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	seen := make(map[string]bool)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name, _ := splitComponentPath(hdr.Name)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// splitComponentPath splits "store/hivemind.db" into ("store", "hivemind.db").
// Returns an empty component for paths outside the known layout.
func splitComponentPath(name string) (component, relPath string) {
	name = strings.TrimLeft(name, "./")
	if name == "" {
		return "", ""
	}

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		if knownComponent(name) {
			return name, "./"
		}
		return "", ""
	}

	component = name[:idx]
	relPath = name[idx+1:]
	if relPath == "" {
		relPath = "./"
	}
	if !knownComponent(component) {
		return "", ""
	}
	return component, relPath
}

func knownComponent(name string) bool {
	for _, c := range componentNames {
		if name == c {
			return true
		}
	}
	return false
}

func dirNonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
