// Package ids mints opaque, typed-prefix identifiers for every entity in the
// store. A prefix lets a bare id string be traced back to its kind in logs
// and events without a schema lookup.
package ids

import "github.com/google/uuid"

const (
	PrefixTrace     = "trc_"
	PrefixSpan      = "spn_"
	PrefixEvent     = "evt_"
	PrefixThread    = "thr_"
	PrefixUser      = "usr_"
	PrefixChannel   = "chn_"
	PrefixMessage   = "msg_"
	PrefixSchedule  = "sch_"
	PrefixDispatch  = "dsp_"
	PrefixApproval  = "apr_"
	PrefixCapsule   = "fcp_"
	PrefixStateItem = "sti_"
	PrefixLoop      = "lop_"
	PrefixDelegation = "dlg_"
)

func new(prefix string) string {
	return prefix + uuid.NewString()
}

func NewTrace() string     { return new(PrefixTrace) }
func NewSpan() string      { return new(PrefixSpan) }
func NewEvent() string     { return new(PrefixEvent) }
func NewThread() string    { return new(PrefixThread) }
func NewUser() string      { return new(PrefixUser) }
func NewChannel() string   { return new(PrefixChannel) }
func NewMessage() string   { return new(PrefixMessage) }
func NewSchedule() string  { return new(PrefixSchedule) }
func NewDispatch() string  { return new(PrefixDispatch) }
func NewApproval() string  { return new(PrefixApproval) }
func NewCapsule() string   { return new(PrefixCapsule) }
func NewStateItem() string { return new(PrefixStateItem) }
func NewLoop() string      { return new(PrefixLoop) }
func NewDelegation() string { return new(PrefixDelegation) }
