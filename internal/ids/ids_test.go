package ids

import (
	"strings"
	"testing"
)

func TestPrefixes(t *testing.T) {
	cases := []struct {
		gen    func() string
		prefix string
	}{
		{NewTrace, PrefixTrace},
		{NewSpan, PrefixSpan},
		{NewEvent, PrefixEvent},
		{NewThread, PrefixThread},
		{NewUser, PrefixUser},
		{NewChannel, PrefixChannel},
		{NewMessage, PrefixMessage},
		{NewSchedule, PrefixSchedule},
		{NewDispatch, PrefixDispatch},
		{NewApproval, PrefixApproval},
		{NewCapsule, PrefixCapsule},
		{NewStateItem, PrefixStateItem},
		{NewLoop, PrefixLoop},
	}
	seen := map[string]bool{}
	for _, c := range cases {
		id := c.gen()
		if !strings.HasPrefix(id, c.prefix) {
			t.Errorf("id %q missing prefix %q", id, c.prefix)
		}
		if seen[id] {
			t.Errorf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}
