package util

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// WriteJson writes a JSON object to a file creating parent directories if required.
// The write is atomic: bytes go to a temp file in the same directory which is renamed over the target.
func WriteJson(ctx context.Context, file string, obj interface{}) error {
	dir, name, err := PrepareFileDir(file)
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return fmt.Errorf("write json start: %w", ctx.Err())
	}

	bs, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return WriteBytesAtomic(ctx, file, dir, name, bs)
}

// WriteBytesAtomic writes bytes to a temp file in dir and renames it over file.
// A cancelled context or a failed write never leaves a partial file at the final path.
func WriteBytesAtomic(ctx context.Context, file, dir, name string, bs []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	tempFile, err := os.CreateTemp(dir, ".*"+name)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tempFileName := tempFile.Name()

	defer func() {
		if _, serr := os.Stat(tempFileName); serr == nil {
			if rerr := os.Remove(tempFileName); rerr != nil {
				log.Warnf("failed to remove temp file %s: %v", tempFileName, rerr)
			}
		}
	}()

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err = os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// CopyFileAtomic copies src to dst through a temp file in dst's directory and an atomic rename.
func CopyFileAtomic(ctx context.Context, src, dst string) error {
	bs, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	dir, name, err := PrepareFileDir(dst)
	if err != nil {
		return err
	}

	return WriteBytesAtomic(ctx, dst, dir, name, bs)
}

// ReadJson reads JSON config file and maps to a provided interface
func ReadJson(file string, res interface{}) (interface{}, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warnf("failed to close file %s: %v", file, cerr)
		}
	}()

	bs, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	if err = json.Unmarshal(bs, &res); err != nil {
		return nil, err
	}

	return res, nil
}

// FileExists returns true if specified file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func PrepareFileDir(file string) (string, string, error) {
	dir := filepath.Dir(file)
	name := filepath.Base(file)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", "", fmt.Errorf("create dir %s: %w", dir, err)
	}

	return dir, name, nil
}
