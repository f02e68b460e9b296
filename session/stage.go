package session

// Stage is where a session currently stands. Transitions are linear; any
// failure or cancellation jumps to StageAborting.
type Stage string

const (
	StageIdle                Stage = "Idle"
	StageSourceMounted       Stage = "SourceMounted"
	StagePlanComputed        Stage = "PlanComputed"
	StageDeviceWiped         Stage = "DeviceWiped"
	StagePartitionsCreated   Stage = "PartitionsCreated"
	StagePartitionsFormatted Stage = "PartitionsFormatted"
	StageFilesCopied         Stage = "FilesCopied"
	StageBootloaderInstalled Stage = "BootloaderInstalled"
	StagePortableConfigured  Stage = "PortableConfigured"
	StageCleaned             Stage = "Cleaned"
	StageFinished            Stage = "Finished"
	StageAborting            Stage = "Aborting"
)

// Verdict is the terminal detach-safety statement of a session.
type Verdict int

const (
	// VerdictClean: everything released, device safe to detach.
	VerdictClean Verdict = iota
	// VerdictUnclean: stray mount points were left behind but none belong
	// to the target device, which is safe to detach.
	VerdictUnclean
	// VerdictUnsafe: a target partition is still mounted. Detaching now
	// risks data loss.
	VerdictUnsafe
)

func (v Verdict) String() string {
	switch v {
	case VerdictUnclean:
		return "unclean"
	case VerdictUnsafe:
		return "unsafe"
	}
	return "clean"
}

// ProgressSink receives stage transitions and copy progress. Implementations
// must tolerate being called from the copy worker goroutine.
type ProgressSink interface {
	OnProgress(stage Stage, message string, percent int)
}

// NullProgress drops everything.
type NullProgress struct{}

func (NullProgress) OnProgress(Stage, string, int) {}
