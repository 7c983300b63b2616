//go:build !stepsage_debug

package faults

const panicOnViolation = false
