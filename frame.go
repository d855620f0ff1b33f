package softbridge

// FrameType classifies the frames exchanged between a leg and the core.
type FrameType int

const (
	FrameMedia FrameType = iota
	FrameVideo
	FrameDTMFBegin
	FrameDTMF
	FrameControl
)

// ControlType enumerates control frame subclasses.
type ControlType int

const (
	ControlNone ControlType = iota
	ControlHangup
	ControlRinging
	ControlAnswer
	ControlBusy
	ControlCongestion
	ControlProceeding
	ControlProgress
	ControlHold
	ControlUnhold
	ControlFlash
	ControlVidUpdate
	ControlSrcUpdate
	ControlOption
	ControlRefer
	ControlTimeout
	ControlForbidden
	ControlRouteFail
	ControlRejected
	ControlUnavailable
	ControlOffhook
	ControlTakeoffhook

	// Notify subclasses carry call progress back to the originator of a
	// transfer. The refer correlation id rides in Frame.ReferID.
	ControlNotifyRinging
	ControlNotifyProceeding
	ControlNotifyProgress
	ControlNotifyAnswer
	ControlNotifyBusy
	ControlNotifyForbidden
	ControlNotifyOffhook
	ControlNotifyTakeoffhook
	ControlNotifyTimeout
	ControlNotifyCircuits
	ControlNotifyConnect
	ControlNotifyBye
	ControlNotifyCallerBye
)

var controlNames = map[ControlType]string{
	ControlNone:              "None",
	ControlHangup:            "Hangup",
	ControlRinging:           "Ringing",
	ControlAnswer:            "Answer",
	ControlBusy:              "Busy",
	ControlCongestion:        "Congestion",
	ControlProceeding:        "Proceeding",
	ControlProgress:          "Progress",
	ControlHold:              "Hold",
	ControlUnhold:            "Unhold",
	ControlFlash:             "Flash",
	ControlVidUpdate:         "VidUpdate",
	ControlSrcUpdate:         "SrcUpdate",
	ControlOption:            "Option",
	ControlRefer:             "Refer",
	ControlTimeout:           "Timeout",
	ControlForbidden:         "Forbidden",
	ControlRouteFail:         "RouteFail",
	ControlRejected:          "Rejected",
	ControlUnavailable:       "Unavailable",
	ControlOffhook:           "Offhook",
	ControlTakeoffhook:       "Takeoffhook",
	ControlNotifyRinging:     "NotifyRinging",
	ControlNotifyProceeding:  "NotifyProceeding",
	ControlNotifyProgress:    "NotifyProgress",
	ControlNotifyAnswer:      "NotifyAnswer",
	ControlNotifyBusy:        "NotifyBusy",
	ControlNotifyForbidden:   "NotifyForbidden",
	ControlNotifyOffhook:     "NotifyOffhook",
	ControlNotifyTakeoffhook: "NotifyTakeoffhook",
	ControlNotifyTimeout:     "NotifyTimeout",
	ControlNotifyCircuits:    "NotifyCircuits",
	ControlNotifyConnect:     "NotifyConnect",
	ControlNotifyBye:         "NotifyBye",
	ControlNotifyCallerBye:   "NotifyCallerBye",
}

func (c ControlType) String() string {
	if s, ok := controlNames[c]; ok {
		return s
	}
	return "Unknown"
}

// IsHangupClass reports whether the control terminates a bridge.
func (c ControlType) IsHangupClass() bool {
	switch c {
	case ControlHangup, ControlBusy, ControlCongestion, ControlTimeout,
		ControlForbidden, ControlRouteFail, ControlRejected, ControlUnavailable:
		return true
	}
	return false
}

// IsNotifyClass reports whether the control is a progress notification.
func (c ControlType) IsNotifyClass() bool {
	return c >= ControlNotifyRinging && c <= ControlNotifyCallerBye
}

// IsForwardable reports whether the control is relayed verbatim to the other
// side of a bridge.
func (c ControlType) IsForwardable() bool {
	switch c {
	case ControlHold, ControlUnhold, ControlRinging, ControlFlash,
		ControlVidUpdate, ControlSrcUpdate:
		return true
	}
	return false
}

// ReferAction subclassifies a REFER control frame.
type ReferAction int

const (
	ReferAttended ReferAction = iota
	ReferBlind
	ReferAnnounce
	ReferAccept
	ReferConnect
	ReferCancel
	ReferBye
)

func (a ReferAction) String() string {
	switch a {
	case ReferAttended:
		return "attended"
	case ReferBlind:
		return "blind"
	case ReferAnnounce:
		return "announce"
	case ReferAccept:
		return "accept"
	case ReferConnect:
		return "connect"
	case ReferCancel:
		return "cancel"
	case ReferBye:
		return "bye"
	}
	return "unknown"
}

// ReferRequest is the transient transfer directive attached to a REFER frame.
type ReferRequest struct {
	Exten  string
	Action ReferAction
	ID     int64
}

// Frame is one unit of media or control passed between a leg and the core.
type Frame struct {
	Type    FrameType
	Control ControlType
	Digit   byte
	Payload []byte

	// OptionRequest marks an Option control as a request; only requests are
	// forwarded across a bridge.
	OptionRequest bool

	// ReferID correlates notify-class controls with an in-flight outbound leg.
	ReferID int64

	Refer *ReferRequest
}

// NewMediaFrame builds a media frame carrying the given payload.
func NewMediaFrame(payload []byte) *Frame {
	return &Frame{Type: FrameMedia, Payload: payload}
}

// NewDTMFFrame builds a DTMF end frame for one digit.
func NewDTMFFrame(digit byte) *Frame {
	return &Frame{Type: FrameDTMF, Digit: digit}
}

// NewControlFrame builds a control frame of the given subclass.
func NewControlFrame(control ControlType) *Frame {
	return &Frame{Type: FrameControl, Control: control}
}

// NewReferFrame builds a REFER control frame carrying the given request.
func NewReferFrame(req *ReferRequest) *Frame {
	return &Frame{Type: FrameControl, Control: ControlRefer, Refer: req}
}
