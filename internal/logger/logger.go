package logger

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LoggerService owns the process log file: it redirects the stdlib log
// package to a file under folder_path, rotates when the file passes
// max_file_mb, zips rotated files and drops archives older than
// retention_days.
type LoggerService struct {
	Config        map[string]interface{}
	file          *os.File
	mu            sync.Mutex
	stopCh        chan struct{}
	wg            sync.WaitGroup
	currentLog    string
	maxFileBytes  int64
	retentionDays int
	folderPath    string
}

func NewLoggerService(config map[string]interface{}) *LoggerService {
	toInt := func(v interface{}) int {
		switch t := v.(type) {
		case int:
			return t
		case float64:
			return int(t)
		}
		return 0
	}
	maxMB := toInt(config["max_file_mb"])
	if maxMB == 0 {
		maxMB = 20
	}
	retention := toInt(config["retention_days"])
	folder, _ := config["folder_path"].(string)
	if folder == "" {
		folder = "./logs"
	}
	return &LoggerService{
		Config:        config,
		stopCh:        make(chan struct{}),
		maxFileBytes:  int64(maxMB) * 1024 * 1024,
		retentionDays: retention,
		folderPath:    folder,
	}
}

func (l *LoggerService) Name() string {
	return "logger"
}

func (l *LoggerService) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.folderPath, 0755); err != nil {
		return err
	}
	file, err := l.openCurrent()
	if err != nil {
		return err
	}
	l.file = file
	log.SetOutput(file)
	log.Println("[LoggerService] Started, writing to", l.currentLog)

	l.wg.Add(1)
	go l.backgroundWorker()
	return nil
}

func (l *LoggerService) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	log.SetOutput(os.Stderr)
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *LoggerService) openCurrent() (*os.File, error) {
	name := filepath.Join(l.folderPath, fmt.Sprintf("app-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	l.currentLog = name
	return file, nil
}

func (l *LoggerService) backgroundWorker() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.rotateIfNeeded()
			l.sweepOldArchives()
		}
	}
}

func (l *LoggerService) rotateIfNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := os.Stat(l.currentLog)
	if err != nil || info.Size() < l.maxFileBytes {
		return
	}
	old := l.currentLog
	oldFile := l.file
	file, err := l.openCurrent()
	if err != nil {
		log.Println("[LoggerService] rotation failed:", err)
		return
	}
	l.file = file
	log.SetOutput(file)
	oldFile.Close()
	if err := zipAndRemove(old); err != nil {
		log.Println("[LoggerService] archiving failed:", err)
	}
}

func (l *LoggerService) sweepOldArchives() {
	if l.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -l.retentionDays)
	entries, err := os.ReadDir(l.folderPath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(l.folderPath, entry.Name()))
		}
	}
}

func zipAndRemove(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(path + ".zip")
	if err != nil {
		return err
	}
	defer dst.Close()
	zw := zip.NewWriter(dst)
	entry, err := zw.Create(filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(entry, src); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
