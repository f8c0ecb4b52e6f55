package bus

// Topic is one of the closed set of bus channels.
type Topic string

const (
	TopicSystem   Topic = "System"
	TopicDeploy   Topic = "Deploy"
	TopicGovernor Topic = "Governor"
	TopicEconomy  Topic = "Economy"
	TopicVault    Topic = "Vault"
)

// AllTopics lists every topic in declaration order.
var AllTopics = []Topic{TopicSystem, TopicDeploy, TopicGovernor, TopicEconomy, TopicVault}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	switch t {
	case TopicSystem, TopicDeploy, TopicGovernor, TopicEconomy, TopicVault:
		return true
	}
	return false
}

// Source names the component that emitted an event.
type Source string

const (
	SourceStarBridge      Source = "StarBridge"
	SourceMagneticRail    Source = "MagneticRail"
	SourceVectorLedger    Source = "VectorLedger"
	SourceWatchdog        Source = "Watchdog"
	SourceConduit         Source = "Conduit"
	SourceComputeGovernor Source = "ComputeGovernor"
	SourceDeployKeeper    Source = "DeployKeeper"
	SourceEnvKeeper       Source = "EnvKeeper"
	SourceDreamScope      Source = "DreamScope"
	SourceGitHub          Source = "GitHub"
	SourceVercel          Source = "Vercel"
	SourceExternal        Source = "External"
)

// AllSources lists every source in declaration order.
var AllSources = []Source{
	SourceStarBridge, SourceMagneticRail, SourceVectorLedger, SourceWatchdog,
	SourceConduit, SourceComputeGovernor, SourceDeployKeeper, SourceEnvKeeper,
	SourceDreamScope, SourceGitHub, SourceVercel, SourceExternal,
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

// Event types emitted by the fabric itself.
const (
	TypeRailJobStart      = "rail.job.start"
	TypeRailJobComplete   = "rail.job.complete"
	TypeRailJobError      = "rail.job.error"
	TypeRailJobActivate   = "rail.job.activate"
	TypeRailJobPause      = "rail.job.pause"
	TypeVectorEventLogged = "vector.event.logged"
	TypeRollupCompleted   = "vector.rollup.completed"
	TypeWatchdogAlert     = "watchdog.alert"
	TypeGovernorDenied    = "governor.denied"
)

// ParseTopics converts names into topics, skipping blanks. An unknown name is
// reported as a validation error.
func ParseTopics(names []string) ([]Topic, error) {
	var out []Topic
	for _, n := range names {
		if n == "" {
			continue
		}
		t := Topic(n)
		if !t.Valid() {
			return nil, validationErrorf("unknown topic %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}
