package core

// Config is the plain, dependency-free settings value core consumes.
// Loading it from files/environment is an external concern (pkg/config)
// the core library never owns; callers only ever hand core a populated
// Config.
type Config struct {
	MaxTransactions         int
	MaxShielded             int
	MaxBatchAgeSecs         int
	MinTransactions         int
	SettlementMaxRetries    int
	SettlementBackoffBaseMs int
	IngestPort              int
	DataDir                 string
	ChainID                 uint64
	DevMode                 bool
	ProverURL               string
	SettlerURL              string
	L1WSURL                 string
	BridgeProgramID         string
}
