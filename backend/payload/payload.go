package payload

// Payload is a serialized, opaque piece of workflow data. The persistence
// layer stores and returns it byte for byte.
type Payload []byte
