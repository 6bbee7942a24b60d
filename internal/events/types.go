package events

// Type names an event. The set below is what plugins may subscribe to; any other
// string is accepted by On/Off/Once and simply never fires.
type Type string

const (
	Message         Type = "message"
	Select          Type = "select"
	Click           Type = "click"
	CameraMove      Type = "cameramove"
	LayerEdit       Type = "layeredit"
	ModalClose      Type = "modalclose"
	PopupClose      Type = "popupclose"
	PluginMessage   Type = "pluginmessage"
	Resize          Type = "resize"
	RectSelectStart Type = "rectselectstart"
	RectSelectMove  Type = "rectselectmove"
	RectSelectEnd   Type = "rectselectend"
)

// PluginTypes lists the event types delivered into plugin realms.
var PluginTypes = []Type{
	Message,
	Select,
	Click,
	CameraMove,
	LayerEdit,
	ModalClose,
	PopupClose,
	PluginMessage,
	Resize,
	RectSelectStart,
	RectSelectMove,
	RectSelectEnd,
}

// Known reports whether t is one of PluginTypes.
func Known(t Type) bool {
	for _, k := range PluginTypes {
		if k == t {
			return true
		}
	}
	return false
}
