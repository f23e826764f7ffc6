package processor

import (
	"strconv"
	"strings"

	terrors "github.com/arkilian/tracequery/internal/errors"
)

// Bucket selects an independent table processor. Views of different
// buckets never share cached state.
type Bucket int

const (
	BucketEvent Bucket = iota
	BucketSample
	BucketSearch
	numBuckets
)

var bucketNames = [...]string{"event", "sample", "search"}

func (b Bucket) String() string {
	if b >= 0 && b < numBuckets {
		return bucketNames[b]
	}
	return "bucket(" + strconv.Itoa(int(b)) + ")"
}

// ParseBucket reads a TYPE parameter. Empty text selects the event bucket.
func ParseBucket(param string) (Bucket, error) {
	param = strings.TrimSpace(param)
	if param == "" {
		return BucketEvent, nil
	}
	n, err := strconv.Atoi(param)
	if err != nil || n < 0 || n >= int(numBuckets) {
		return 0, terrors.Newf(terrors.ErrCategoryValidation, terrors.CodeInvalidRequest,
			"unknown table type %q", param)
	}
	return Bucket(n), nil
}
