package groundtruth

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"pouw-captcha/internal/metrics"
	"pouw-captcha/logging"
)

const fileSuffix = "_ground_truth.json"

func FileName(model string) string {
	return model + fileSuffix
}

// Save writes one file per model. An empty model saves every model. Files are
// written to a temp file first and renamed into place. Saving a named model
// with no entries removes its file.
func (c *Cache) Save(model string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return errors.Wrapf(err, "create cache dir %s", c.dir)
	}

	byModel := map[string][]Entry{}
	for _, entry := range c.snapshot(model) {
		byModel[entry.ModelName] = append(byModel[entry.ModelName], entry)
	}
	if model != "" && len(byModel) == 0 {
		return c.removeModelFile(model)
	}
	for name, entries := range byModel {
		if err := c.writeModelFile(name, entries); err != nil {
			return err
		}
		logging.Info("Saved ground truth entries", logging.GroundTruth, "model", name, "entries", len(entries))
	}
	return nil
}

func (c *Cache) removeModelFile(model string) error {
	target := filepath.Join(c.dir, FileName(model))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", target)
	}
	return nil
}

func (c *Cache) writeModelFile(model string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode ground truth for %s", model)
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-"+model+"-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmpName)
	}
	target := filepath.Join(c.dir, FileName(model))
	if err := os.Rename(tmpName, target); err != nil {
		return errors.Wrapf(err, "rename to %s", target)
	}
	return nil
}

// Load reads every *.json file in the cache directory into memory and returns
// the number of entries loaded. Unreadable files are skipped.
func (c *Cache) Load() (int, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "create cache dir %s", c.dir)
	}
	files, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return 0, errors.WithStack(err)
	}

	loaded := 0
	for _, file := range files {
		entries, err := readEntries(file)
		if err != nil {
			logging.Warn("Failed to load ground truth file", logging.GroundTruth, "file", file, "error", err)
			continue
		}
		c.mu.Lock()
		for _, entry := range entries {
			c.entries[entry.Key()] = entry
		}
		c.mu.Unlock()
		loaded += len(entries)
	}

	metrics.GroundTruthEntries.Set(float64(c.Len()))
	logging.Info("Ground truth cache loaded", logging.GroundTruth, "dir", c.dir, "entries", loaded)
	return loaded, nil
}

// readEntries accepts either a list of entries or a single entry object.
func readEntries(file string) ([]Entry, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var entries []Entry
	switch {
	case bytes.HasPrefix(data, []byte("[")):
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
	case bytes.HasPrefix(data, []byte("{")):
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, err
		}
		entries = []Entry{entry}
	default:
		return nil, errors.New("expected a JSON list or object")
	}

	for _, entry := range entries {
		if entry.ModelName == "" || entry.SampleID == "" || entry.OutputHash == "" {
			return nil, errors.Wrapf(ErrMalformedKey, "entry %q/%q without output hash", entry.ModelName, entry.SampleID)
		}
	}
	return entries, nil
}
