package engine

import "time"

// Default constants, spec.md section 6.
const (
	DefaultListenPort = 26379

	DefaultDownAfterPeriod = 30 * time.Second

	InfoPeriodNormal = 10 * time.Second
	InfoPeriodFast   = 1 * time.Second // while O_DOWN or FAILOVER_IN_PROGRESS

	PingPeriod    = 1 * time.Second
	PublishPeriod = 2 * time.Second

	TiltTrigger = 2 * time.Second
	TiltPeriod  = 30 * time.Second

	DefaultFailoverTimeout = 180 * time.Second
	DefaultParallelSyncs   = 1
	DefaultReplicaPriority = 100

	PromotionRetryPeriod    = 30 * time.Second
	SlaveReconfRetryPeriod  = 10 * time.Second
	MinLinkReconnectPeriod  = 15 * time.Second
	MaxPendingCommands      = 100
	ElectionTimeout         = 10 * time.Second
	InfoValidityTime        = 5 * time.Second

	ScriptQueueCap      = 256
	ScriptMaxRunning    = 16
	ScriptMaxRuntime    = 60 * time.Second
	ScriptMaxRetries    = 10
	ScriptRetryBase     = 30 * time.Second

	AskPeriod = 1 * time.Second

	TickInterval = 100 * time.Millisecond

	// VoteDesyncMax bounds the rand(0..2000ms) failover-start desync
	// described in spec.md section 4.7.
	VoteDesyncMax = 2000 * time.Millisecond
)
