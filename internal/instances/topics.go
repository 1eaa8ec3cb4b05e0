package instances

// Bus topics forming the command seam between the controller/web layer and
// the services. The store stays decoupled from transport: commands travel
// over these channels, never as direct calls into a service.
const (
	TopicLoad          = "instances:load"
	TopicCreate        = "instances:create"
	TopicDelete        = "instances:delete"
	TopicConnect       = "instances:connect"
	TopicMarkConnected = "instances:mark-connected"
	TopicQRGenerate    = "qr:generate"
	TopicQRReset       = "qr:reset"
)
