package tensor

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseShape accepts the shape notations found in exported model files: a JSON
// array such as [null, 28, 28, 1] or a string such as "(None, 28, 28, 1)".
// None/null becomes BatchDim.
func ParseShape(raw json.RawMessage) ([]int, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var dims []*int
		if err := json.Unmarshal(raw, &dims); err != nil {
			return nil, errors.Wrapf(err, "invalid shape %s", trimmed)
		}
		shape := make([]int, 0, len(dims))
		for _, dim := range dims {
			if dim == nil {
				shape = append(shape, BatchDim)
			} else {
				shape = append(shape, *dim)
			}
		}
		return shape, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, errors.Wrapf(err, "invalid shape %s", trimmed)
	}
	return ParseShapeString(text)
}

func ParseShapeString(text string) ([]int, error) {
	text = strings.Trim(strings.TrimSpace(text), "()[]")
	shape := make([]int, 0, 4)
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.EqualFold(part, "none") {
			shape = append(shape, BatchDim)
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(ErrShapeMismatch, "invalid dimension %q", part)
		}
		shape = append(shape, dim)
	}
	return shape, nil
}
