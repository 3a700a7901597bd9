package main

import "time"

// Flag structs decouple cobra from command logic for testing.

type GlobalFlags struct {
	ConfigPath string
	Timeout    time.Duration
}

type OperationFlags struct {
	ConfigPath string
	ID         string
	Timeout    time.Duration
}

type DeleteFlags struct {
	OperationFlags
	Confirm bool
}

type StatusFlags struct {
	ConfigPath string
	Refresh    bool
	Timeout    time.Duration
}

type LocksFlags struct {
	ConfigPath  string
	ForceUnlock string
}

type ServeFlags struct {
	ConfigPath  string
	Listen      string
	NonBlocking bool
}

type SimulateFlags struct {
	Listen         string
	BasePath       string
	NoTargetedStop bool
	StopLag        int
	IgnoreStops    bool
	Seed           []string // type/config_id
}
