package channel

// AttributeKind gates who may edit an attribute.
type AttributeKind int

const (
	AttrInfo    AttributeKind = iota // Descriptive; editable with detailedit
	AttrSetting                      // Behavioural; editable with groupedit
	AttrSystem                       // Managed by the server; never user editable
)

func (k AttributeKind) String() string {
	switch k {
	case AttrInfo:
		return "info"
	case AttrSetting:
		return "setting"
	case AttrSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Well-known attribute keys.
const (
	AttrWelcomeMessage = "welcomeMessage"
	AttrWelcomeColour  = "welcomeMessage.colour"
)

// AttributeDef declares an attribute key, its kind and its default value.
type AttributeDef struct {
	Key     string
	Kind    AttributeKind
	Default string
}

// Attributes is the table of declared attribute keys.
type Attributes map[string]AttributeDef

// DefaultAttributes returns the attributes every channel supports.
func DefaultAttributes() Attributes {
	return Attributes{
		AttrWelcomeMessage: {Key: AttrWelcomeMessage, Kind: AttrInfo, Default: "Welcome to the channel."},
		AttrWelcomeColour:  {Key: AttrWelcomeColour, Kind: AttrInfo, Default: "0"},
	}
}

// Lookup returns the definition for key.
func (a Attributes) Lookup(key string) (AttributeDef, bool) {
	def, ok := a[key]
	return def, ok
}
