//go:build mage
// +build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Test namespace for test-related targets
type Test mg.Namespace

// All runs all tests
func (Test) All() error {
	fmt.Println("Running all tests...")
	return sh.Run("go", "test", "-race", "-v", "./...")
}

// Unit runs all tests with -short
func (Test) Unit() error {
	fmt.Println("Running unit tests...")
	return sh.Run("go", "test", "-short", "-v", "./...")
}

// Coverage runs tests with coverage
func (Test) Coverage() error {
	fmt.Println("Running tests with coverage...")

	if err := sh.Run("go", "test", "-coverprofile="+coverageFile, "-covermode=atomic", "./..."); err != nil {
		return err
	}
	return sh.Run("go", "tool", "cover", "-html="+coverageFile, "-o", coverageHTML)
}

// Lint runs go vet across the module
func (Test) Lint() error {
	fmt.Println("Running go vet...")
	return sh.Run("go", "vet", "./...")
}
