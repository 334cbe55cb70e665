package lifecycle

import "testing"

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		current State
		next    State
		want    Verdict
	}{
		{"unset_to_3d", StateNone, StatePreExpire3D, Allowed},
		{"active_to_3d", StateActive, StatePreExpire3D, Allowed},
		{"3d_to_1d", StatePreExpire3D, StatePreExpire1D, Allowed},
		{"unset_to_grace", StateNone, StateExpiredGrace, Allowed},
		{"1d_to_grace", StatePreExpire1D, StateExpiredGrace, Allowed},
		{"3d_again", StatePreExpire3D, StatePreExpire3D, AlreadyThere},
		{"1d_back_to_3d", StatePreExpire1D, StatePreExpire3D, Regressive},
		{"grace_back_to_1d", StateExpiredGrace, StatePreExpire1D, Regressive},
		{"webhook_expired_blocks_grace", StateExpiredWebhook, StateExpiredGrace, SuppressedTerminal},
		{"canceled_blocks_3d", StateCanceled, StatePreExpire3D, SuppressedTerminal},
		{"to_terminal_is_not_scheduled", StateActive, StateCanceled, InvalidTarget},
		{"to_unset", StatePreExpire3D, StateNone, InvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Check(tt.current, tt.next); got != tt.want {
				t.Errorf("Check(%s, %s) = %s, want %s", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestCanAdvance(t *testing.T) {
	if !CanAdvance(StateActive, StatePreExpire1D) {
		t.Error("ACTIVE -> PRE_EXPIRE_1D should be allowed")
	}
	if CanAdvance(StatePreExpire1D, StatePreExpire3D) {
		t.Error("PRE_EXPIRE_1D -> PRE_EXPIRE_3D must be rejected")
	}
}

func TestParse(t *testing.T) {
	for _, s := range []string{"", "ACTIVE", "PRE_EXPIRE_3D", "PRE_EXPIRE_1D", "EXPIRED_GRACE", "EXPIRED_WEBHOOK", "CANCELED"} {
		if _, err := Parse(s); err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := Parse("PAUSED"); err == nil {
		t.Error("Parse(PAUSED) should fail")
	}
}

func TestStateString(t *testing.T) {
	if StateNone.String() != "ACTIVE" {
		t.Errorf("unset state should render as ACTIVE, got %s", StateNone.String())
	}
	if StateCanceled.String() != "CANCELED" {
		t.Errorf("got %s", StateCanceled.String())
	}
}
