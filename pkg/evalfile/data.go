package evalfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethpandaops/evaloor/pkg/eval"
	"gopkg.in/yaml.v3"
)

const maxJSONLLine = 16 * 1024 * 1024

func inlineData(items []eval.Item) eval.DataFunc {
	return func(context.Context) ([]eval.Item, error) {
		return slices.Clone(items), nil
	}
}

// fileData reads the dataset when the eval executes, so edits between
// watch-mode runs are picked up.
func fileData(path string) eval.DataFunc {
	return func(context.Context) ([]eval.Item, error) {
		return readDataset(path)
	}
}

func readDataset(path string) ([]eval.Item, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset: %w", err)
	}

	var items []eval.Item

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		items, err = parseJSONL(raw)
	case ".json":
		err = json.Unmarshal(raw, &items)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &items)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", filepath.Ext(path))
	}

	if err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", path, err)
	}

	if items == nil {
		items = []eval.Item{}
	}

	return items, nil
}

func parseJSONL(raw []byte) ([]eval.Item, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)

	var (
		items []eval.Item
		line  int
	)

	for scanner.Scan() {
		line++

		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		var item eval.Item
		if err := json.Unmarshal(text, &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		items = append(items, item)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return items, nil
}
