package worker

// Handle is the part of a worker process the supervisor drives.
// Terminate and Kill must not run hooks synchronously.
type Handle interface {
	Write(b []byte) error
	Alive() bool
	Terminate()
	Kill()
	Pid() int
	StderrTail() []string
}

// Launcher spawns one worker generation wired to hooks
type Launcher interface {
	Launch(hooks Hooks) (Handle, error)
}

// ExecLauncher launches Spec as a real subprocess
type ExecLauncher struct {
	Spec Spec
}

// Launch implements Launcher
func (l ExecLauncher) Launch(hooks Hooks) (Handle, error) {
	p, err := Start(l.Spec, hooks)
	if err != nil {
		return nil, err
	}
	return p, nil
}
