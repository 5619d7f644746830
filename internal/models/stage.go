package models

// RenderStage is the ordered, user-facing progression of a render job.
// Workers emit the stage directly at each boundary rather than round-tripping
// through free-text messages.
type RenderStage string

const (
	StagePreparing   RenderStage = "preparing"
	StageTTS         RenderStage = "tts"
	StageMixing      RenderStage = "mixing"
	StageNormalizing RenderStage = "normalizing"
	StageUploading   RenderStage = "uploading"
	StageCompleted   RenderStage = "completed"
)

// RenderStages lists the pipeline stages in execution order, terminal stage
// last.
var RenderStages = []RenderStage{
	StagePreparing,
	StageTTS,
	StageMixing,
	StageNormalizing,
	StageUploading,
	StageCompleted,
}

// stageCheckpoints maps each stage to the progress percentage recorded once
// that stage finishes. Values only move forward for a given job.
var stageCheckpoints = map[RenderStage]int{
	StagePreparing:   5,
	StageTTS:         35,
	StageMixing:      60,
	StageNormalizing: 75,
	StageUploading:   90,
	StageCompleted:   100,
}

// Checkpoint returns the progress percentage reached when the stage
// completes.
func (s RenderStage) Checkpoint() int {
	if pct, ok := stageCheckpoints[s]; ok {
		return pct
	}
	return 0
}

// Message returns the human-readable description shown alongside the stage.
func (s RenderStage) Message() string {
	switch s {
	case StagePreparing:
		return "Preparing audio layers"
	case StageTTS:
		return "Generating speech from text"
	case StageMixing:
		return "Mixing audio layers"
	case StageNormalizing:
		return "Normalizing loudness"
	case StageUploading:
		return "Uploading final track"
	case StageCompleted:
		return "Completed"
	}
	return string(s)
}

// legacyStageMessages maps the exact English sentences older backend builds
// emitted to the stage enum. Compatibility shim only; new code never matches
// on message text.
var legacyStageMessages = map[string]RenderStage{
	"Preparing audio layers":      StagePreparing,
	"Generating speech from text": StageTTS,
	"Generating voice audio":      StageTTS,
	"Mixing audio layers":         StageMixing,
	"Applying loudness normalization": StageNormalizing,
	"Normalizing loudness":           StageNormalizing,
	"Uploading final track":          StageUploading,
	"Uploading rendered audio":       StageUploading,
	"Completed":                      StageCompleted,
}

// StageFromMessage resolves a legacy free-text stage description to a
// RenderStage. The second return is false when the message is unknown.
func StageFromMessage(msg string) (RenderStage, bool) {
	s, ok := legacyStageMessages[msg]
	return s, ok
}
