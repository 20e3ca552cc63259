package models

// Milestone is a network configuration checkpoint. Only Height and
// ActiveDelegates affect round calculation.
type Milestone struct {
	Height          uint64 `json:"height" mapstructure:"height"`
	ActiveDelegates uint32 `json:"activeDelegates" mapstructure:"activeDelegates"`
}
