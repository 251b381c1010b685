package wire

// Error names carried in Envelope.Error.
const (
	ErrNameUnavailable      = "org.example.Executor.Error.Unavailable"
	ErrNameCommandNotFound  = "org.example.Executor.Error.CommandNotFound"
	ErrNameNotFound         = "org.example.Executor.Error.NotFound"
	ErrNamePermissionDenied = "org.example.Executor.Error.PermissionDenied"
	ErrNameProtocol         = "org.example.Executor.Error.Protocol"
	ErrNameAborted          = "org.example.Executor.Error.Aborted"
	ErrNameUnknownMethod    = "org.example.Executor.Error.UnknownMethod"
	ErrNameInvalidArgs      = "org.example.Executor.Error.InvalidArgs"
	ErrNameFailed           = "org.example.Executor.Error.Failed"
)
