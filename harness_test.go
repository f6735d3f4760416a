package routeragent

import (
	"context"
	"strings"
	"time"
)

// fakeClock backs the controller's injectable sleep/now so polling loops run
// instantly and deterministically.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	asleep time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.slept = append(c.slept, d)
	c.asleep += d
}

type fakePower struct {
	onCalls  int
	offCalls int
	onErr    error
	offErr   error
}

func (p *fakePower) On() error  { p.onCalls++; return p.onErr }
func (p *fakePower) Off() error { p.offCalls++; return p.offErr }

// fakeSerial scripts Expect outcomes in order; once the script is exhausted
// the last entry repeats.
type fakeSerial struct {
	sent       []string
	written    [][]byte
	expectPlan []expectOutcome
	expectIdx  int
}

type expectOutcome struct {
	idx      int
	captured string
	err      error
}

func (s *fakeSerial) SendLine(line string) error {
	s.sent = append(s.sent, line)
	return nil
}

func (s *fakeSerial) Write(p []byte) error {
	s.written = append(s.written, append([]byte(nil), p...))
	return nil
}

func (s *fakeSerial) Expect(patterns []string, timeout time.Duration) (int, string, error) {
	if len(s.expectPlan) == 0 {
		return -1, "", errTimeoutStub
	}
	out := s.expectPlan[s.expectIdx]
	if s.expectIdx < len(s.expectPlan)-1 {
		s.expectIdx++
	}
	return out.idx, out.captured, out.err
}

var errTimeoutStub = &TimeoutError{Op: "stub expect", Timeout: time.Second}

// fakeShell answers the poll echo correctly starting from a configured
// attempt number (1-based); earlier attempts fail with a transient error.
type fakeShell struct {
	activateCalls int
	runCalls      []string
	readyFrom     int
	activateErr   error
}

func (s *fakeShell) Activate() error {
	s.activateCalls++
	return s.activateErr
}

func (s *fakeShell) Run(cmd string, timeout time.Duration) (CommandResult, error) {
	s.runCalls = append(s.runCalls, cmd)
	if s.readyFrom <= 0 || len(s.runCalls) < s.readyFrom {
		return CommandResult{ExitCode: 1}, errTransientStub{}
	}
	if strings.HasPrefix(cmd, "echo ") {
		return CommandResult{Stdout: []string{strings.TrimPrefix(cmd, "echo ")}, ExitCode: 0}, nil
	}
	return CommandResult{ExitCode: 0}, nil
}

type errTransientStub struct{}

func (errTransientStub) Error() string { return "connection refused" }

// scriptedRunner maps command prefixes to canned results, for the flasher
// and netconfig tests.
type scriptedRunner struct {
	responses map[string]CommandResult
	errs      map[string]error
	calls     []string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		responses: make(map[string]CommandResult),
		errs:      make(map[string]error),
	}
}

func (r *scriptedRunner) on(prefix string, res CommandResult) { r.responses[prefix] = res }

func (r *scriptedRunner) Run(cmd string, timeout time.Duration) (CommandResult, error) {
	r.calls = append(r.calls, cmd)
	for prefix, err := range r.errs {
		if strings.HasPrefix(cmd, prefix) {
			return CommandResult{ExitCode: 1}, err
		}
	}
	for prefix, res := range r.responses {
		if strings.HasPrefix(cmd, prefix) {
			return res, nil
		}
	}
	return CommandResult{ExitCode: 127, Stderr: []string{"sh: not found"}}, nil
}

func (r *scriptedRunner) count(prefix string) int {
	n := 0
	for _, cmd := range r.calls {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

// scriptedShell adds Activate on top of scriptedRunner.
type scriptedShell struct {
	scriptedRunner
	activateCalls int
}

func (s *scriptedShell) Activate() error {
	s.activateCalls++
	return nil
}

// fakeSSH layers upload/connect bookkeeping over a scriptedRunner.
type fakeSSH struct {
	scriptedRunner
	uploads      []string
	uploadErr    error
	connectErr   error
	connectCalls int
	closeCalls   int
}

func (s *fakeSSH) Upload(localPath, remotePath string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.uploads = append(s.uploads, localPath+" -> "+remotePath)
	return nil
}

func (s *fakeSSH) Connect() error { s.connectCalls++; return s.connectErr }
func (s *fakeSSH) Close() error   { s.closeCalls++; return nil }

type fakeBootloader struct {
	initCmds      []string
	activateCalls int
	bootCalls     []string
	awaitCalls    int
	activateErr   error
	awaitErr      error
	ranCommands   []string
}

func (b *fakeBootloader) Activate() error { b.activateCalls++; return b.activateErr }

func (b *fakeBootloader) RunCommand(cmd string) (string, error) {
	b.ranCommands = append(b.ranCommands, cmd)
	return "", nil
}

func (b *fakeBootloader) Boot(args string) error {
	b.bootCalls = append(b.bootCalls, args)
	return nil
}

func (b *fakeBootloader) AwaitBootComplete(timeout time.Duration) error {
	b.awaitCalls++
	return b.awaitErr
}

func (b *fakeBootloader) InitCommands() []string { return b.initCmds }

type fakeEventRecorder struct{ events []string }

func (r *fakeEventRecorder) RecordEvent(ctx context.Context, device, event, detail string) error {
	r.events = append(r.events, device+" "+event+" "+detail)
	return nil
}

type fakeFlashRecorder struct{ records []FlashRecord }

func (r *fakeFlashRecorder) RecordFlash(ctx context.Context, rec FlashRecord) error {
	r.records = append(r.records, rec)
	return nil
}

type fakeRecoverer struct {
	calls int
	err   error
}

func (r *fakeRecoverer) Recover(ctx context.Context, artifact *FirmwareArtifact) error {
	r.calls++
	return r.err
}
