package atomicio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CanonicalJSONBytes serializes v the way the ledger's hash chain requires:
// object keys sorted, no extraneous whitespace. Go's json.Marshal already
// sorts map[string]interface{} keys, but nested structs marshal in field
// declaration order; canonicalize re-parses and re-emits through a
// recursively key-sorted representation so the byte sequence is stable
// regardless of the input's Go type.
func CanonicalJSONBytes(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json marshal: %w", err)
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical json decode: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// AtomicWriteJSON writes data as indented JSON to path via a temp file in
// the same directory, fsync, and rename. If path already exists it is
// copied to path+".bak" first (best effort). Mirrors atomic_write_json.
func AtomicWriteJSON(path string, data interface{}) error {
	if err := ensureDir(path); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", path, err)
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpPath, err)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		backupFile(path, path+".bak")
	}

	if err := renameWithRetry(tmpPath, path, 10); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpPath, path, err)
	}

	fsyncDir(dir)
	return nil
}

// ReadJSONWithBackup reads path into dst; if path is missing or fails to
// parse, it falls back to path+".bak" and, on success there, rewrites path
// from the backup.
func ReadJSONWithBackup(path string, dst interface{}) error {
	if err := readJSONFile(path, dst); err == nil {
		return nil
	}

	backupPath := path + ".bak"
	if err := readJSONFile(backupPath, dst); err != nil {
		return fmt.Errorf("read %s and fallback %s: %w", path, backupPath, err)
	}

	return AtomicWriteJSON(path, dst)
}

func readJSONFile(path string, dst interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(dst)
}

func backupFile(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return
	}
	out.Sync()
}

func renameWithRetry(oldPath, newPath string, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := os.Rename(oldPath, newPath); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(time.Duration(10*(i+1)) * time.Millisecond)
	}
	return lastErr
}

func fsyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	d.Sync()
}
