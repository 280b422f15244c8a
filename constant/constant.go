package constant

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCompleted  JobStatus = "COMPLETED"
)

type JobType string

const (
	JobTypeExport  JobType = "export"
	JobTypeCollage JobType = "collage"
	JobTypeMerge   JobType = "merge"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}

// Tier is the creator classification that decides how long a recording may be.
type Tier string

const (
	TierRookie     Tier = "rookie"
	TierRising     Tier = "rising"
	TierVeteran    Tier = "veteran"
	TierInfluencer Tier = "influencer"
	TierPartner    Tier = "partner"
	TierLegendary  Tier = "legendary"
	TierTopCreator Tier = "top_creator"
	TierFounder    Tier = "founder"
	TierCoFounder  Tier = "co_founder"
)

const (
	RookieMaxDuration  = 30.0
	MidTierMaxDuration = 120.0
)

// MaxDuration returns the recording budget in seconds. limited is false for
// tiers without a ceiling. Unknown tiers get the rookie budget.
func (t Tier) MaxDuration() (seconds float64, limited bool) {
	switch t {
	case TierRising, TierVeteran, TierInfluencer:
		return MidTierMaxDuration, true
	case TierPartner, TierLegendary, TierTopCreator, TierFounder, TierCoFounder:
		return 0, false
	default:
		return RookieMaxDuration, true
	}
}

type RecorderPhase string

const (
	PhaseReady     RecorderPhase = "ready"
	PhaseRecording RecorderPhase = "recording"
	PhaseStopping  RecorderPhase = "stopping"
	PhaseMerging   RecorderPhase = "merging"
	PhaseComplete  RecorderPhase = "complete"
	PhaseError     RecorderPhase = "error"
)

type ExportMode string

const (
	ExportModePassthrough ExportMode = "passthrough"
	ExportModeTrimOnly    ExportMode = "trim_only"
	ExportModeFullProcess ExportMode = "full_process"
)

type Filter string

const (
	FilterNone     Filter = ""
	FilterVivid    Filter = "vivid"
	FilterMono     Filter = "mono"
	FilterWarm     Filter = "warm"
	FilterCool     Filter = "cool"
	FilterVintage  Filter = "vintage"
	FilterDramatic Filter = "dramatic"
)

type CaptionPosition string

const (
	CaptionTop    CaptionPosition = "top"
	CaptionCenter CaptionPosition = "center"
	CaptionBottom CaptionPosition = "bottom"
)

type CaptionStyle string

const (
	CaptionStyleStandard  CaptionStyle = "standard"
	CaptionStyleBold      CaptionStyle = "bold"
	CaptionStyleHighlight CaptionStyle = "highlight"
)

type CollageStrategy string

const (
	StrategyEqual        CollageStrategy = "equal"
	StrategyMainWeighted CollageStrategy = "main_weighted"
	StrategyProportional CollageStrategy = "proportional"
)

type EvictionReason string

const (
	EvictCapacity  EvictionReason = "capacity"
	EvictExpired   EvictionReason = "expired"
	EvictStale     EvictionReason = "stale"
	EvictEmergency EvictionReason = "emergency"
	EvictCleared   EvictionReason = "cleared"
)
