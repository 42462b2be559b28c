package sinks

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"logengine/internal/metrics"
	"logengine/pkg/circuit"
	"logengine/pkg/errkind"
	"logengine/pkg/keysource"
	"logengine/pkg/record"
	"logengine/pkg/template"
)

// encHeaderMagic is the fixed 8-byte magic prefix written to every
// encrypted rotated file, ahead of the version, algorithm, and nonce.
var encHeaderMagic = [8]byte{'E', 'N', 'C', 'L', 'O', 'G', '1', 0}

const (
	encVersion   uint16 = 1
	encAlgoGCM   uint16 = 1
	gcmNonceSize        = 12
)

// FileConfig is the file sink's own parsed configuration (sizes already
// resolved to bytes by internal/config.Validate / ParseSize).
type FileConfig struct {
	Path                   string
	MaxSizeBytes           int64 // 0 = no size trigger
	RotationTime           string
	KeepFiles              int
	Compress               bool
	CompressionLevel       int
	Encrypt                bool
	EncryptionKeyEnv       string
	RetentionDays          int
	MaxTotalSizeBytes      int64
	CleanupInterval        time.Duration
	DiskCheckMinFreeBytes  int64 // overridable for tests; 0 means use spec default (min(100MB, 5%))
}

// FileSink implements size/time rotation, Zstd compression,
// AES-256-GCM encryption, retention, a circuit breaker, and fallback to a
// shared ConsoleSink, restructured around a single owning worker
// goroutine rather than an internal worker pool.
type FileSink struct {
	cfg      FileConfig
	tmpl     *template.Template
	fallback Sink
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	breaker  *circuit.Breaker

	mu               sync.Mutex
	file             *os.File
	writer           *bufio.Writer
	byteCount        int64
	nextTimeBoundary time.Time
	degraded         bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewFileSink(cfg FileConfig, tmpl *template.Template, fallback Sink, m *metrics.Metrics, logger *logrus.Logger) *FileSink {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Minute
	}
	return &FileSink{
		cfg:      cfg,
		tmpl:     tmpl,
		fallback: fallback,
		metrics:  m,
		logger:   logger,
		breaker:  circuit.New(circuit.Config{Name: "file_sink", FailureThreshold: 5, ResetTimeout: 30 * time.Second}, logger),
	}
}

func (f *FileSink) Name() string { return "file" }

func (f *FileSink) Start(ctx context.Context) error {
	if f.cfg.Encrypt {
		key, err := keysource.LoadKey(f.cfg.EncryptionKeyEnv)
		if err != nil {
			return errkind.EncryptionError("start", "encryption key validation failed", err)
		}
		keysource.Zero(key)
	}

	f.mu.Lock()
	if err := f.openActiveLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.nextTimeBoundary = computeNextBoundary(f.cfg.RotationTime, time.Now().UTC())
	f.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go f.rotationLoop(loopCtx)

	f.wg.Add(1)
	go f.retentionLoop(loopCtx)

	return nil
}

func (f *FileSink) openActiveLocked() error {
	if err := os.MkdirAll(filepath.Dir(f.cfg.Path), 0700); err != nil {
		return errkind.IOError("open_active", "cannot create log directory", err)
	}
	file, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return errkind.IOError("open_active", "cannot open active log file", err)
	}
	stat, err := file.Stat()
	if err == nil {
		f.byteCount = stat.Size()
	}
	f.file = file
	f.writer = bufio.NewWriter(file)
	return nil
}

// Send writes one record, applying the disk-space pre-check and routing
// through the circuit breaker.
func (f *FileSink) Send(ctx context.Context, rec record.LogRecord) error {
	if f.diskSpaceLow() {
		f.mu.Lock()
		f.degraded = true
		f.mu.Unlock()
		return f.routeFallback(ctx, rec)
	}
	f.mu.Lock()
	f.degraded = false
	f.mu.Unlock()

	start := time.Now()
	err := f.breaker.Execute(func() error {
		return f.writeAndMaybeRotate(rec)
	})
	if err != nil {
		f.metrics.RecordSinkError(f.Name())
		return f.routeFallback(ctx, rec)
	}
	f.metrics.RecordWrite(f.Name(), time.Since(start))
	return nil
}

func (f *FileSink) routeFallback(ctx context.Context, rec record.LogRecord) error {
	// Fallback success is intentionally not counted as a file-sink write:
	// the console sink's own metrics, if any, are the only record of this
	// delivery.
	return f.fallback.Send(ctx, rec)
}

func (f *FileSink) writeAndMaybeRotate(rec record.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	line := f.tmpl.Render(rec) + "\n"
	n, err := f.writer.WriteString(line)
	if err != nil {
		return errkind.IOError("write", "file write failed", err)
	}
	if err := f.writer.Flush(); err != nil {
		return errkind.IOError("write", "file flush failed", err)
	}
	f.byteCount += int64(n)

	if f.shouldRotateLocked() {
		return f.rotateLocked()
	}
	return nil
}

func (f *FileSink) shouldRotateLocked() bool {
	if f.cfg.MaxSizeBytes > 0 && f.byteCount >= f.cfg.MaxSizeBytes {
		return true
	}
	if !f.nextTimeBoundary.IsZero() && !time.Now().UTC().Before(f.nextTimeBoundary) {
		return true
	}
	return false
}

// rotateLocked must be called with f.mu held. It closes the active
// writer, renames it, opens a fresh active file, and hands the rotated
// file to post-processing on a separate goroutine so writes to the new
// active file are not blocked by compression/encryption.
func (f *FileSink) rotateLocked() error {
	if err := f.writer.Flush(); err != nil {
		return errkind.IOError("rotate", "flush before rotate failed", err)
	}
	if err := f.file.Close(); err != nil {
		return errkind.IOError("rotate", "close before rotate failed", err)
	}

	ext := filepath.Ext(f.cfg.Path)
	stem := strings.TrimSuffix(f.cfg.Path, ext)
	rotated := fmt.Sprintf("%s_%s%s", stem, time.Now().UTC().Format("20060102_150405"), ext)
	if err := os.Rename(f.cfg.Path, rotated); err != nil {
		return errkind.IOError("rotate", "rename failed", err)
	}

	if err := f.openActiveLocked(); err != nil {
		return err
	}
	f.byteCount = 0
	f.nextTimeBoundary = computeNextBoundary(f.cfg.RotationTime, time.Now().UTC())

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.postProcess(rotated); err != nil {
			f.logger.WithError(err).WithField("file", rotated).Warn("post-processing of rotated log file failed")
		}
	}()

	// Retention also runs immediately after every rotation, not just on
	// the periodic retentionLoop tick, so a size-triggered rotation burst
	// does not leave files unevicted for up to a full CleanupInterval.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.applyRetention()
	}()

	return nil
}

func (f *FileSink) postProcess(path string) error {
	current := path
	if f.cfg.Compress {
		compressed := current + ".zst"
		if err := compressFile(current, compressed, f.cfg.CompressionLevel); err != nil {
			return err
		}
		_ = os.Remove(current)
		current = compressed
	}
	if f.cfg.Encrypt {
		encrypted := current + ".enc"
		if err := encryptFile(current, encrypted, f.cfg.EncryptionKeyEnv); err != nil {
			return err
		}
		_ = os.Remove(current)
	}
	return nil
}

func compressFile(src, dst string, level int) error {
	in, err := os.Open(src)
	if err != nil {
		return errkind.CompressionError("compress", "open source failed", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errkind.CompressionError("compress", "open destination failed", err)
	}
	defer out.Close()

	encLevel := zstd.EncoderLevelFromZstd(level)
	w, err := zstd.NewWriter(out, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return errkind.CompressionError("compress", "create zstd writer failed", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return errkind.CompressionError("compress", "stream copy failed", err)
	}
	return w.Close()
}

func encryptFile(src, dst, keyEnv string) error {
	key, err := keysource.LoadKey(keyEnv)
	if err != nil {
		return errkind.EncryptionError("encrypt", "key load failed", err)
	}
	defer keysource.Zero(key)

	plaintext, err := os.ReadFile(src)
	if err != nil {
		return errkind.EncryptionError("encrypt", "read source failed", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return errkind.EncryptionError("encrypt", "aes cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errkind.EncryptionError("encrypt", "gcm init failed", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return errkind.EncryptionError("encrypt", "nonce generation failed", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errkind.EncryptionError("encrypt", "open destination failed", err)
	}
	defer out.Close()

	if _, err := out.Write(encHeaderMagic[:]); err != nil {
		return errkind.EncryptionError("encrypt", "header write failed", err)
	}
	if err := writeLE16(out, encVersion); err != nil {
		return err
	}
	if err := writeLE16(out, encAlgoGCM); err != nil {
		return err
	}
	if _, err := out.Write(nonce); err != nil {
		return errkind.EncryptionError("encrypt", "nonce write failed", err)
	}
	if _, err := out.Write(ciphertext); err != nil {
		return errkind.EncryptionError("encrypt", "ciphertext write failed", err)
	}
	return nil
}

func writeLE16(w io.Writer, v uint16) error {
	b := []byte{byte(v), byte(v >> 8)}
	_, err := w.Write(b)
	if err != nil {
		return errkind.EncryptionError("encrypt", "header field write failed", err)
	}
	return nil
}

// DecryptFile reverses encryptFile; exported for the out-of-scope CLI
// decryption tool and for round-trip tests.
func DecryptFile(src, dst, keyEnv string) error {
	key, err := keysource.LoadKey(keyEnv)
	if err != nil {
		return errkind.EncryptionError("decrypt", "key load failed", err)
	}
	defer keysource.Zero(key)

	data, err := os.ReadFile(src)
	if err != nil {
		return errkind.EncryptionError("decrypt", "read source failed", err)
	}
	if len(data) < 24 {
		return errkind.EncryptionError("decrypt", "file too short for header", nil)
	}
	if string(data[0:8]) != string(encHeaderMagic[:]) {
		return errkind.EncryptionError("decrypt", "bad magic", nil)
	}
	nonce := data[12:24]
	ciphertext := data[24:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return errkind.EncryptionError("decrypt", "aes cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errkind.EncryptionError("decrypt", "gcm init failed", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return errkind.EncryptionError("decrypt", "authentication failed", err)
	}
	return os.WriteFile(dst, plaintext, 0600)
}

// computeNextBoundary precomputes the next rotation boundary in UTC so a
// drifting clock or DST transition cannot cause a double rotation
// (rotation and retention boundary behaviours).
func computeNextBoundary(rotation string, now time.Time) time.Time {
	now = now.UTC()
	switch rotation {
	case "hourly":
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC).Add(time.Hour)
	case "daily":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case "weekly":
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		daysUntilMonday := (8 - int(now.Weekday())) % 7
		if daysUntilMonday == 0 {
			daysUntilMonday = 7
		}
		return midnight.AddDate(0, 0, daysUntilMonday)
	default:
		return time.Time{}
	}
}

func (f *FileSink) rotationLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			if f.shouldRotateLocked() {
				if err := f.rotateLocked(); err != nil {
					f.logger.WithError(err).Warn("timer-triggered rotation failed")
				}
			}
			f.mu.Unlock()
		}
	}
}

func (f *FileSink) retentionLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.applyRetention()
		}
	}
}

// applyRetention drops files older than RetentionDays, then the oldest
// rotated files beyond KeepFiles, then the oldest rotated files while the
// directory total (active file included) exceeds MaxTotalSizeBytes. The
// active file is never a candidate.
func (f *FileSink) applyRetention() {
	dir := filepath.Dir(f.cfg.Path)
	ext := filepath.Ext(f.cfg.Path)
	stem := filepath.Base(strings.TrimSuffix(f.cfg.Path, ext))

	entries, err := os.ReadDir(dir)
	if err != nil {
		f.logger.WithError(err).Warn("retention: cannot list log directory")
		return
	}

	type candidate struct {
		path    string
		size    int64
		modTime time.Time
	}
	var candidates []candidate
	activeName := filepath.Base(f.cfg.Path)

	for _, e := range entries {
		if e.IsDir() || e.Name() == activeName {
			continue
		}
		if !strings.HasPrefix(e.Name(), stem+"_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(dir, e.Name()), size: info.Size(), modTime: info.ModTime()})
	}

	if f.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -f.cfg.RetentionDays)
		kept := candidates[:0]
		for _, c := range candidates {
			if c.modTime.Before(cutoff) {
				if err := os.Remove(c.path); err != nil {
					f.logger.WithError(err).WithField("file", c.path).Warn("retention: remove failed")
				}
				continue
			}
			kept = append(kept, c)
		}
		candidates = kept
	}

	if f.cfg.KeepFiles > 0 && len(candidates) > f.cfg.KeepFiles {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })
		excess := len(candidates) - f.cfg.KeepFiles
		for _, c := range candidates[:excess] {
			if err := os.Remove(c.path); err != nil {
				f.logger.WithError(err).WithField("file", c.path).Warn("retention: remove failed")
			}
		}
		candidates = candidates[excess:]
	}

	if f.cfg.MaxTotalSizeBytes > 0 {
		var total int64
		if info, err := os.Stat(f.cfg.Path); err == nil {
			total = info.Size()
		}
		for _, c := range candidates {
			total += c.size
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })
		i := 0
		for total > f.cfg.MaxTotalSizeBytes && i < len(candidates) {
			c := candidates[i]
			if err := os.Remove(c.path); err != nil {
				f.logger.WithError(err).WithField("file", c.path).Warn("retention: remove failed")
			} else {
				total -= c.size
			}
			i++
		}
	}
}

// diskSpaceLow pre-checks whether available space
// below min(100MB, 5% of mount).
func (f *FileSink) diskSpaceLow() bool {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Dir(f.cfg.Path), &stat); err != nil {
		return false // cannot determine; fail open rather than blocking all writes
	}
	available := int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)

	threshold := f.cfg.DiskCheckMinFreeBytes
	if threshold == 0 {
		fivePercent := total / 20
		threshold = 100 * 1024 * 1024
		if fivePercent < threshold {
			threshold = fivePercent
		}
	}
	return available < threshold
}

func (f *FileSink) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writer == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		return errkind.IOError("flush", "flush failed", err)
	}
	return nil
}

func (f *FileSink) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writer != nil {
		_ = f.writer.Flush()
	}
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

func (f *FileSink) IsHealthy() bool {
	f.mu.Lock()
	degraded := f.degraded
	f.mu.Unlock()
	return !f.breaker.IsOpen() && !degraded
}

// Breaker exposes the sink's breaker to the health controller for state
// inspection and forced recovery.
func (f *FileSink) Breaker() *circuit.Breaker { return f.breaker }

// ResetBreaker forces the circuit breaker closed, called by the
// dispatcher's worker-owned recovery flow after a successful restart.
func (f *FileSink) ResetBreaker() { f.breaker.Reset() }
