package serviceiface

// Service is the lifecycle contract the app manager drives. Start must not
// block; long-running work runs on its own goroutines until Stop.
type Service interface {
	Name() string
	Start() error
	Stop() error
}
