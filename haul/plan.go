package haul

import "errors"

// S3 multipart upload constraints.
const (
	// MinPartSize is the store's minimum part size (except the final
	// part, which may be smaller).
	MinPartSize = 5 * 1024 * 1024 // 5MB

	// MaxPartCount is the store's maximum number of parts per upload.
	MaxPartCount = 10_000

	// MaxObjectSize is the store's maximum object size (5TB per AWS
	// documentation).
	MaxObjectSize = 5 * 1024 * 1024 * 1024 * 1024 // 5TB
)

// Planner validation errors.
var (
	// ErrInvalidSize indicates a non-positive object size.
	ErrInvalidSize = errors.New("haul: object size must be positive")

	// ErrObjectTooLarge indicates the object exceeds the store's maximum
	// single-object size and cannot be uploaded with multipart.
	ErrObjectTooLarge = errors.New("haul: object too large for multipart upload")
)

// PartPlan is the outcome of sizing an object's parts.
type PartPlan struct {
	// PartSize is the size of every part except possibly the last.
	PartSize int64

	// PartCount is ceil(totalSize / PartSize).
	PartCount int32
}

// PlanParts computes a part size and count honoring the store's limits.
//
// The part size starts at MinPartSize and grows only when the object would
// otherwise exceed MaxPartCount parts, in which case it becomes
// ceil(totalSize / MaxPartCount). Rounding up (never down) keeps the part
// count within the limit. The final part may be shorter than PartSize.
func PlanParts(totalSize int64) (PartPlan, error) {
	if totalSize <= 0 {
		return PartPlan{}, ErrInvalidSize
	}
	if totalSize > MaxObjectSize {
		return PartPlan{}, ErrObjectTooLarge
	}

	partSize := int64(MinPartSize)
	if totalSize > int64(MinPartSize)*MaxPartCount {
		// Round up: ceil(totalSize / MaxPartCount)
		partSize = (totalSize + MaxPartCount - 1) / MaxPartCount
	}

	partCount := (totalSize + partSize - 1) / partSize
	return PartPlan{PartSize: partSize, PartCount: int32(partCount)}, nil
}

// PartLength returns the byte length of the given part number under this
// plan for an object of totalSize bytes. Only the final part may be shorter
// than PartSize.
func (p PartPlan) PartLength(partNumber int32, totalSize int64) int64 {
	if partNumber < 1 || partNumber > p.PartCount {
		return 0
	}
	offset := int64(partNumber-1) * p.PartSize
	if remaining := totalSize - offset; remaining < p.PartSize {
		return remaining
	}
	return p.PartSize
}
