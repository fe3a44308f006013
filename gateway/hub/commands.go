package hub

// commandEvents maps REST command names to the wire event emitted to the
// device. The payload rides along verbatim.
var commandEvents = map[string]string{
	"setThreshold": "/threshold/set",
	"stop":         "/stop",
	"start":        "/start",
	"reset":        "/reset",
}

// Commands lists the accepted command names.
func Commands() []string {
	out := make([]string, 0, len(commandEvents))
	for name := range commandEvents {
		out = append(out, name)
	}
	return out
}
