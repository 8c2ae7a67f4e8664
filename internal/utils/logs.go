package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RotationInterval is how often the log file is rotated regardless of its size
type RotationInterval string

const (
	RotationHourly  RotationInterval = "hourly"
	RotationDaily   RotationInterval = "daily"
	RotationWeekly  RotationInterval = "weekly"
	RotationMonthly RotationInterval = "monthly"
)

type LogRotationConfig struct {
	MaxSizeMB      int64
	MaxAgeDays     int // 0 keeps all
	MaxBackups     int // 0 keeps all
	TimeInterval   RotationInterval
	EnableRotation bool
}

// LogsManager writes JSON entries to the rotating daemon log file, or text lines to a fixed
// writer when built with NewLogsManagerWithOutput. Every entry carries a category.
type LogsManager struct {
	dir             string
	logFileName     string
	logger          *log.Logger
	file            *os.File
	output          io.Writer
	closed          bool
	mutex           sync.RWMutex
	rotation        LogRotationConfig
	lastRotateCheck time.Time
	fileSize        int64
}

func NewLogsManager(cm *ConfigManager) *LogsManager {
	lm := &LogsManager{
		dir:         GetAppPaths("").LogDir,
		logFileName: cm.GetConfigWithDefault("logfile", "compute-client.log"),
		logger:      log.New(),
		rotation: LogRotationConfig{
			MaxSizeMB:      cm.GetConfigInt64("log_max_size_mb", 100, 1, 10240),
			MaxAgeDays:     cm.GetConfigInt("log_max_age_days", 30, 0, 3650),
			MaxBackups:     cm.GetConfigInt("log_max_backups", 10, 0, 1000),
			TimeInterval:   RotationInterval(cm.GetConfigWithDefault("log_rotation_interval", "daily")),
			EnableRotation: cm.GetConfigBool("log_enable_rotation", true),
		},
		lastRotateCheck: time.Now(),
	}

	lm.logger.SetLevel(parseLevel(cm.GetConfigWithDefault("log_level", "info")))
	lm.logger.SetFormatter(&log.JSONFormatter{})

	if err := lm.openFile(); err != nil {
		panic(err)
	}

	return lm
}

// NewLogsManagerWithOutput creates a logger writing text lines to w, without a log file or rotation.
// Job supervisors and monitors use it to write into the job's internal log folder.
func NewLogsManagerWithOutput(level string, w io.Writer) *LogsManager {
	lm := &LogsManager{
		logger: log.New(),
		output: w,
	}
	lm.logger.SetLevel(parseLevel(level))
	lm.logger.SetOutput(w)
	lm.logger.SetFormatter(textFormatter())
	return lm
}

func parseLevel(level string) log.Level {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func textFormatter() *log.TextFormatter {
	return &log.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// consoleHook mirrors daemon log entries to the terminal in text form while the file keeps JSON
type consoleHook struct {
	w         io.Writer
	formatter log.Formatter
}

func newConsoleHook(w io.Writer) *consoleHook {
	return &consoleHook{w: w, formatter: textFormatter()}
}

func (h *consoleHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *consoleHook) Fire(entry *log.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

// MirrorTo additionally writes every entry to w as a text line
func (lm *LogsManager) MirrorTo(w io.Writer) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.logger.AddHook(newConsoleHook(w))
}

func (lm *LogsManager) openFile() error {
	switch runtime.GOOS {
	case "windows":
		lm.logFileName = filepath.FromSlash(lm.logFileName)
	default:
		lm.logFileName = filepath.ToSlash(lm.logFileName)
	}

	file, err := os.OpenFile(filepath.Join(lm.dir, lm.logFileName), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	if stat, err := file.Stat(); err == nil {
		lm.fileSize = stat.Size()
	}

	lm.file = file
	lm.logger.SetOutput(file)
	return nil
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "<???>:1"
	}
	if slash := strings.LastIndex(file, "/"); slash >= 0 {
		file = file[slash+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (lm *LogsManager) log(level log.Level, message string, category string) {
	if lm.output == nil && lm.rotation.EnableRotation {
		lm.checkAndRotate()
	}

	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	// Entries after Close are dropped
	if lm.closed || (lm.output == nil && lm.file == nil) {
		return
	}

	lm.logger.WithFields(log.Fields{
		"category": category,
		"file":     caller(3),
	}).Log(level, message)

	if lm.output == nil {
		lm.fileSize += int64(len(message) + 100)
	}
}

func (lm *LogsManager) Debug(message string, category string) {
	lm.log(log.DebugLevel, message, category)
}

func (lm *LogsManager) Info(message string, category string) {
	lm.log(log.InfoLevel, message, category)
}

func (lm *LogsManager) Warn(message string, category string) {
	lm.log(log.WarnLevel, message, category)
}

func (lm *LogsManager) Error(message string, category string) {
	lm.log(log.ErrorLevel, message, category)
}

// SetLogLevel overrides the configured level
func (lm *LogsManager) SetLogLevel(levelStr string) error {
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level '%s': %v", levelStr, err)
	}

	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	lm.logger.SetLevel(level)
	return nil
}

// Close closes the log file. Later entries are dropped.
func (lm *LogsManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	lm.closed = true
	if lm.file != nil {
		err := lm.file.Close()
		lm.file = nil
		return err
	}
	return nil
}

func (lm *LogsManager) checkAndRotate() {
	now := time.Now()

	if lm.rotation.MaxSizeMB > 0 && lm.fileSize > lm.rotation.MaxSizeMB*1024*1024 {
		lm.rotate("size")
		return
	}

	// Time-based rotation is checked at most once a minute
	if now.Sub(lm.lastRotateCheck) > time.Minute {
		lm.lastRotateCheck = now
		if lm.shouldRotateByTime(now) {
			lm.rotate("time")
		}
	}
}

func (lm *LogsManager) shouldRotateByTime(now time.Time) bool {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()
	if lm.file == nil {
		return false
	}

	stat, err := lm.file.Stat()
	if err != nil {
		return false
	}
	return intervalElapsed(lm.rotation.TimeInterval, stat.ModTime(), now)
}

// intervalElapsed reports whether now falls in a later hour, day, ISO week or month than since
func intervalElapsed(interval RotationInterval, since, now time.Time) bool {
	switch interval {
	case RotationHourly:
		return !now.Truncate(time.Hour).Equal(since.Truncate(time.Hour))
	case RotationDaily:
		return now.YearDay() != since.YearDay() || now.Year() != since.Year()
	case RotationWeekly:
		nowYear, nowWeek := now.ISOWeek()
		sinceYear, sinceWeek := since.ISOWeek()
		return nowWeek != sinceWeek || nowYear != sinceYear
	case RotationMonthly:
		return now.Month() != since.Month() || now.Year() != since.Year()
	}
	return false
}

func (lm *LogsManager) rotate(reason string) {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.closed {
		return
	}

	backupFileName := fmt.Sprintf("%s.%s.bak", lm.logFileName, time.Now().Format("2006-01-02_15-04-05"))
	currentPath := filepath.Join(lm.dir, lm.logFileName)

	if lm.file != nil {
		lm.file.Close()
		lm.file = nil
	}

	if err := os.Rename(currentPath, filepath.Join(lm.dir, backupFileName)); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Failed to back up log file: %v\n", err)
	}

	if err := lm.openFile(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reopen log file after rotation: %v\n", err)
		return
	}

	lm.pruneBackups(time.Now())

	lm.logger.WithFields(log.Fields{
		"category": "logrotate",
		"reason":   reason,
		"backup":   backupFileName,
	}).Info("Log rotated")
}

// pruneBackups removes backups older than MaxAgeDays, then the oldest ones beyond MaxBackups
func (lm *LogsManager) pruneBackups(now time.Time) {
	if lm.rotation.MaxAgeDays <= 0 && lm.rotation.MaxBackups <= 0 {
		return
	}

	files, err := filepath.Glob(filepath.Join(lm.dir, lm.logFileName+"*.bak"))
	if err != nil {
		return
	}

	type backup struct {
		path    string
		modTime time.Time
	}
	var backups []backup
	maxAge := time.Duration(lm.rotation.MaxAgeDays) * 24 * time.Hour

	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		if maxAge > 0 && now.Sub(stat.ModTime()) > maxAge {
			os.Remove(file)
			continue
		}
		backups = append(backups, backup{path: file, modTime: stat.ModTime()})
	}

	if lm.rotation.MaxBackups <= 0 || len(backups) <= lm.rotation.MaxBackups {
		return
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].modTime.Before(backups[j].modTime) })
	for _, b := range backups[:len(backups)-lm.rotation.MaxBackups] {
		os.Remove(b.path)
	}
}
