package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pwei1018/bcros-common-sub000/internal/notify"
)

// parseFilter maps list query parameters onto a store filter. Unknown
// values in enum parameters are rejected rather than silently ignored.
func parseFilter(c *gin.Context) (notify.Filter, error) {
	filter := notify.Filter{
		RequestBy: c.Query("request_by"),
		Search:    c.Query("search"),
	}

	if v := c.Query("status"); v != "" {
		status := notify.Status(strings.ToUpper(v))
		switch status {
		case notify.StatusPending, notify.StatusForwarded, notify.StatusDelivered, notify.StatusFailure:
			filter.Status = status
		default:
			return filter, fmt.Errorf("unknown status %q", v)
		}
	}

	if v := c.Query("type"); v != "" {
		t := notify.Type(strings.ToUpper(v))
		if !t.Valid() {
			return filter, fmt.Errorf("unknown type %q", v)
		}
		filter.Type = t
	}

	var err error
	if filter.SentAfter, err = parseTime(c.Query("sent_after"), "sent_after"); err != nil {
		return filter, err
	}
	if filter.SentBefore, err = parseTime(c.Query("sent_before"), "sent_before"); err != nil {
		return filter, err
	}

	if filter.Limit, err = parseIntParam(c.Query("limit"), "limit", 50); err != nil {
		return filter, err
	}
	if filter.Offset, err = parseIntParam(c.Query("offset"), "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTime(v, name string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339", name)
	}
	return &t, nil
}

func parseIntParam(v, name string, fallback int) (int, error) {
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// splitRecipients turns the comma-separated request field into trimmed
// addresses, dropping empty segments.
func splitRecipients(raw string) []string {
	var out []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
