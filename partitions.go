package offlineshell

// Partitions names the two current partitions of one worker version.
type Partitions struct {
	Version string
	Static  string
	Dynamic string
}

// NewPartitions derives partition names from a prefix and a version tag,
// e.g. "speller-static-v1" and "speller-dynamic-v1".
func NewPartitions(prefix, version string) Partitions {
	return Partitions{
		Version: version,
		Static:  prefix + "-static-" + version,
		Dynamic: prefix + "-dynamic-" + version,
	}
}

// Current reports whether name is one of the two current partitions.
func (p Partitions) Current(name string) bool {
	return name == p.Static || name == p.Dynamic
}

func (p Partitions) Names() []string {
	return []string{p.Static, p.Dynamic}
}
