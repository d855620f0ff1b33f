package softbridge

// Event names published through the host's event publisher.
const (
	EventParkedCall        = "ParkedCall"
	EventParkedCallTimeOut = "ParkedCallTimeOut"
	EventParkedCallGiveUp  = "ParkedCallGiveUp"
	EventUnParkedCall      = "UnParkedCall"
	EventTransferred       = "Transferred"
	EventAttendedTransfer  = "AttendedTransfer"
	EventMonitorStart      = "MonitorStart"
	EventMonitorStop       = "MonitorStop"
	EventBridgeExec        = "BridgeExec"
)

// publish emits an event if a publisher is configured.
func (c *Core) publish(event string, fields map[string]string) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(event, fields)
}
