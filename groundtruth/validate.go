package groundtruth

import (
	"fmt"

	"pouw-captcha/internal/tensor"
)

type Status string

const (
	Matched    Status = "matched"
	Mismatched Status = "mismatched"
	Missing    Status = "missing"
)

// Verdict is the outcome of comparing a client output to the cached entry.
// Message is empty when the output matched.
type Verdict struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Expected string `json:"expected_hash,omitempty"`
	Actual   string `json:"actual_hash"`
}

func (v Verdict) Valid() bool {
	return v.Status == Matched
}

// Validate compares output with the cached entry. The canonical hash is tried
// first; when the entry kept its full output, values within tolerance still match.
// A negative tolerance selects DefaultTolerance.
func (c *Cache) Validate(sampleID, model string, layer int, output tensor.Tensor, tolerance float64) Verdict {
	key := MakeKey(model, sampleID, layer)
	actual := output.Hash()
	entry, ok := c.GetKey(key)
	if !ok {
		return Verdict{Status: Missing, Message: fmt.Sprintf("no ground truth found for %s", key), Actual: actual}
	}
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}

	verdict := Verdict{Status: Mismatched, Expected: entry.OutputHash, Actual: actual}
	if actual == entry.OutputHash {
		verdict.Status = Matched
		return verdict
	}
	if entry.OutputData == nil {
		verdict.Message = fmt.Sprintf("output hash mismatch: expected %s, got %s", entry.OutputHash, actual)
		return verdict
	}

	if len(output.Data) != len(entry.OutputData) || (len(entry.OutputShape) > 0 && !output.Matches(entry.OutputShape)) {
		verdict.Message = fmt.Sprintf("output shape mismatch: expected %v, got %v", entry.OutputShape, output.Shape)
		return verdict
	}
	maxDiff, err := tensor.MaxAbsDiff(entry.OutputData, output.Data)
	if err != nil {
		verdict.Message = err.Error()
		return verdict
	}
	if maxDiff > tolerance {
		verdict.Message = fmt.Sprintf("output mismatch: max difference %g > tolerance %g", maxDiff, tolerance)
		return verdict
	}
	verdict.Status = Matched
	return verdict
}
