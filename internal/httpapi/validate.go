package httpapi

import (
	"bytes"
	"encoding/json"
	"math"
	"net/mail"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	mailpkg "mailsched/internal/mail"
)

// maxSafeInteger is the largest integer a JSON number keeps exactly in a
// double, which is what most clients send timestamps as.
const maxSafeInteger = 1<<53 - 1

type fieldError struct {
	Location string `json:"location"`
	Param    string `json:"param"`
	Msg      string `json:"msg"`
}

type scheduleRequest struct {
	msg       mailpkg.Message
	timestamp int64
}

// parseScheduleRequest validates a POST /mails body field by field so every
// problem is reported, not just the first.
func parseScheduleRequest(body []byte) (scheduleRequest, []fieldError) {
	var req scheduleRequest
	var errs []fieldError
	bad := func(param, msg string) {
		errs = append(errs, fieldError{Location: "body", Param: param, Msg: msg})
	}

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		bad("body", "Body must be a JSON object")
		return req, errs
	}

	to, ok := addressList(raw["to"])
	switch {
	case !ok:
		bad("to", "Invalid value")
	case len(to) == 0:
		bad("to", "At least one recipient is required")
	default:
		req.msg.To = to
	}

	if subject, ok := optionalString(raw["subject"]); !ok || isNull(raw["subject"]) {
		bad("subject", "Invalid value")
	} else {
		req.msg.Subject = subject
	}

	if ts, ok := parseTimestamp(raw["timestamp"]); !ok {
		bad("timestamp", "Invalid value")
	} else {
		req.timestamp = ts
	}

	for _, f := range []struct {
		param string
		dst   *[]string
	}{{"cc", &req.msg.Cc}, {"bcc", &req.msg.Bcc}} {
		v, present := raw[f.param]
		if !present {
			continue
		}
		list, ok := addressList(v)
		if !ok {
			bad(f.param, "Invalid value")
			continue
		}
		*f.dst = list
	}

	for _, f := range []struct {
		param string
		dst   *string
	}{{"text", &req.msg.Text}, {"html", &req.msg.HTML}} {
		v, present := raw[f.param]
		if !present {
			continue
		}
		s, ok := optionalString(v)
		if !ok || isNull(v) {
			bad(f.param, "Invalid value")
			continue
		}
		*f.dst = s
	}

	return req, errs
}

func isNull(v json.RawMessage) bool {
	return v == nil || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// optionalString accepts a missing/null value as "".
func optionalString(v json.RawMessage) (string, bool) {
	if isNull(v) {
		return "", true
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// addressList decodes an array of RFC 5322 addresses; display names are allowed.
// Domains must be dotted names with an alphabetic TLD.
func addressList(v json.RawMessage) ([]string, bool) {
	if isNull(v) {
		return nil, false
	}
	var list []string
	if err := json.Unmarshal(v, &list); err != nil {
		return nil, false
	}
	for _, a := range list {
		addr, err := mail.ParseAddress(a)
		if err != nil || !fqdnDomain(addr.Address) {
			return nil, false
		}
	}
	return list, true
}

// fqdnDomain rejects single-label ("a@b"), IP-literal and numeric-TLD domains,
// which RFC 5322 allows but are not deliverable on the public internet.
func fqdnDomain(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return false
	}
	labels := strings.Split(addr[at+1:], ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return false
		}
	}
	tld := strings.ToLower(labels[len(labels)-1])
	if strings.HasPrefix(tld, "xn--") {
		return true
	}
	if utf8.RuneCountInString(tld) < 2 {
		return false
	}
	for _, r := range tld {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// parseTimestamp requires a non-zero integral number within the safe range.
func parseTimestamp(v json.RawMessage) (int64, bool) {
	t := bytes.TrimSpace(v)
	// json.Number also decodes quoted numbers; only bare numbers count.
	if len(t) == 0 || (t[0] != '-' && (t[0] < '0' || t[0] > '9')) {
		return 0, false
	}
	var n json.Number
	d := json.NewDecoder(bytes.NewReader(t))
	d.UseNumber()
	if err := d.Decode(&n); err != nil {
		return 0, false
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		if i == 0 || i > maxSafeInteger || i < -maxSafeInteger {
			return 0, false
		}
		return i, true
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil || f == 0 || f != math.Trunc(f) || math.Abs(f) > maxSafeInteger {
		return 0, false
	}
	return int64(f), true
}
