package election

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sequence returns the numeric suffix the service appended to a candidate name.
func Sequence(name string) (uint64, error) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return 0, errors.Errorf("candidate %q has no sequence suffix", name)
	}
	seq, err := strconv.ParseUint(name[i:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "candidate %q", name)
	}
	return seq, nil
}

type ordered struct {
	name string
	seq  uint64
}

// orderCandidates keeps the names carrying prefix and a sequence suffix and
// sorts them by sequence value. Suffix widths may differ, so comparison is
// numeric: 9 sorts before 10.
func orderCandidates(prefix string, names []string) []ordered {
	out := make([]ordered, 0, len(names))
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		seq, err := Sequence(name)
		if err != nil {
			continue
		}
		out = append(out, ordered{name: name, seq: seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].seq != out[j].seq {
			return out[i].seq < out[j].seq
		}
		return out[i].name < out[j].name
	})
	return out
}
