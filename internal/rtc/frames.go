package rtc

// Frame types on the wire.
const (
	frameRegister       = "register"
	frameUnregister     = "unregister"
	frameAnswer         = "answer"
	frameHangup         = "hangup"
	frameRegistered     = "registered"
	frameRegisterFailed = "register_failed"
	frameUnregistered   = "unregistered"
	frameCall           = "call"
)

type registerFrame struct {
	Type        string `json:"type"`
	User        string `json:"user"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	Expires     int    `json:"expires"`
}

type answerFrame struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Video  bool   `json:"video"`
}

type hangupFrame struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Code   string `json:"code,omitempty"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// serverFrame is every frame the server can send, flattened.
type serverFrame struct {
	Type      string `json:"type"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Caller    string `json:"caller,omitempty"`
	Direction string `json:"direction,omitempty"`
	State     string `json:"state,omitempty"`
}
