package channel

// ResponseType is the outcome kind of a manager operation. The numeric
// values are stable protocol codes.
type ResponseType int

const (
	InvalidArgument       ResponseType = 10
	ChannelNotFound       ResponseType = 11
	UserNotFound          ResponseType = 12
	TargetInvalidState    ResponseType = 20
	ChannelNotLoaded      ResponseType = 21
	NotInChannel          ResponseType = 22
	TargetBanned          ResponseType = 23
	NotAuthorisedGeneral  ResponseType = 30
	NotAuthorisedSpecific ResponseType = 31
	Banned                ResponseType = 32
	BannedTemp            ResponseType = 33
	Locked                ResponseType = 34
	Success               ResponseType = 40
	NoChange              ResponseType = 41
	UnknownError          ResponseType = 50
)

func (t ResponseType) String() string {
	switch t {
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case ChannelNotFound:
		return "CHANNEL_NOT_FOUND"
	case UserNotFound:
		return "USER_NOT_FOUND"
	case TargetInvalidState:
		return "TARGET_INVALID_STATE"
	case ChannelNotLoaded:
		return "CHANNEL_NOT_LOADED"
	case NotInChannel:
		return "NOT_IN_CHANNEL"
	case TargetBanned:
		return "TARGET_BANNED"
	case NotAuthorisedGeneral:
		return "NOT_AUTHORISED_GENERAL"
	case NotAuthorisedSpecific:
		return "NOT_AUTHORISED_SPECIFIC"
	case Banned:
		return "BANNED"
	case BannedTemp:
		return "BANNED_TEMP"
	case Locked:
		return "LOCKED"
	case Success:
		return "SUCCESS"
	case NoChange:
		return "NO_CHANGE"
	case UnknownError:
		return "UNKNOWN_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Response is the result of every manager operation: a kind plus named
// parameters a transport can use to template a user-facing message.
type Response struct {
	Type   ResponseType
	Params map[string]any
}

func respond(t ResponseType) Response {
	return Response{Type: t}
}

func respondWith(t ResponseType, params map[string]any) Response {
	return Response{Type: t, Params: params}
}

// OK reports whether the operation succeeded.
func (r Response) OK() bool { return r.Type == Success }

// Param returns a named parameter, or nil.
func (r Response) Param(name string) any {
	if r.Params == nil {
		return nil
	}
	return r.Params[name]
}
