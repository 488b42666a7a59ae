package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// ResolveOutputName expands an output stream naming format string against
// one iteration's coordinates. Any strftime-style "%" time directive (e.g.
// an operator wants "%Y%m%d" in a path) is expanded first against the
// observation's start time, then the bracket fields are substituted so a
// literal "[[" in a date format can never collide with a bracket field.
func ResolveOutputName(format string, start time.Time, port, iter, idx, pack int) (string, error) {
	f, err := strftime.New(format)
	if err != nil {
		return "", fmt.Errorf("transport: parsing output name format %q: %w", format, err)
	}

	expanded := f.FormatString(start)

	replacer := strings.NewReplacer(
		"[[port]]", strconv.Itoa(port),
		"[[iter]]", strconv.Itoa(iter),
		"[[idx]]", strconv.Itoa(idx),
		"[[pack]]", strconv.Itoa(pack),
	)

	return replacer.Replace(expanded), nil
}
