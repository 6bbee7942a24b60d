package sandbox

import (
	"strconv"
	"strings"
)

// ResizeKey is the reserved envelope key of an auto-resize report. Plugins send
//
//	{"__sandbox_auto_resize__": {"width": "300px", "height": 120}}
//
// and nothing else in the same message.
const ResizeKey = "__sandbox_auto_resize__"

type resizeReport struct {
	width   string
	height  string
	payload map[string]any
}

// parseResizeReport recognises the reserved envelope. Anything else, including an
// envelope whose inner value carries neither dimension, is an ordinary message.
func parseResizeReport(msg any) (resizeReport, bool) {
	envelope, ok := msg.(map[string]any)
	if !ok || len(envelope) != 1 {
		return resizeReport{}, false
	}
	inner, ok := envelope[ResizeKey].(map[string]any)
	if !ok {
		return resizeReport{}, false
	}

	r := resizeReport{payload: inner}
	r.width, _ = cssLength(inner["width"])
	r.height, _ = cssLength(inner["height"])
	if r.width == "" && r.height == "" {
		return resizeReport{}, false
	}
	return r, true
}

// cssLength renders a reported dimension. Numbers are pixels.
func cssLength(v any) (string, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return "", false
		}
		return strconv.FormatFloat(n, 'f', -1, 64) + "px", true
	case int64:
		if n < 0 {
			return "", false
		}
		return strconv.FormatInt(n, 10) + "px", true
	case int:
		return cssLength(int64(n))
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}

// apply returns size updated with the dimensions the mode lets through.
func (r resizeReport) apply(size Size, mode AutoResize) (Size, bool) {
	next := size
	if mode.width() && r.width != "" {
		next.Width = r.width
	}
	if mode.height() && r.height != "" {
		next.Height = r.height
	}
	return next, next != size
}
