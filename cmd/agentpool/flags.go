package main

import "time"

// APIFlags Flag structs to decouple cobra from logic for testing.
type APIFlags struct {
	APIUrl     string
	Token      string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type ClaimFlags struct {
	AgentName        string
	Instructions     string
	InstructionsFile string
	JoinURL          string
	Vars             []string
	API              APIFlags
}

type InstanceFlags struct {
	InstanceID string
	API        APIFlags
}

type CountFlags struct {
	Count int
	API   APIFlags
}

type StatusFlags struct {
	Full bool
	API  APIFlags
}

type ServeFlags struct {
	ConfigPath string
}
