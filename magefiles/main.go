//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target to run when none is specified
var Default = Build

const (
	binaryName   = "pulse"
	packagePath  = "./cmd/pulse"
	coverageFile = "coverage.out"
	coverageHTML = "coverage.html"
)

// Build builds the binary for current platform
func Build() error {
	mg.Deps(Deps)
	fmt.Println("Building binary...")

	ldflags := fmt.Sprintf("-s -w -X main.version=%s -X main.commit=%s -X main.date=%s",
		getVersion(), getCommit(), time.Now().Format(time.RFC3339))

	return sh.Run("go", "build", "-ldflags", ldflags, "-o", binaryName, packagePath)
}

// Deps downloads and installs dependencies
func Deps() error {
	fmt.Println("Installing dependencies...")
	return sh.Run("go", "mod", "download")
}

// Install installs the binary to $GOPATH/bin with version information
func Install() error {
	mg.Deps(Deps)
	fmt.Println("Installing binary with version information...")

	ldflags := fmt.Sprintf("-s -w -X main.version=%s -X main.commit=%s -X main.date=%s",
		getVersion(), getCommit(), time.Now().Format(time.RFC3339))

	return sh.Run("go", "install", "-ldflags", ldflags, packagePath)
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("Cleaning build artifacts...")

	artifacts := []string{
		binaryName,
		binaryName + ".exe",
		"bin/",
		"dist/",
		coverageFile,
		coverageHTML,
	}

	for _, artifact := range artifacts {
		if err := os.RemoveAll(artifact); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func getVersion() string {
	if v, err := sh.Output("git", "describe", "--tags", "--always", "--dirty"); err == nil {
		return v
	}
	return "dev"
}

func getCommit() string {
	if c, err := sh.Output("git", "rev-parse", "--short", "HEAD"); err == nil {
		return c
	}
	return "unknown"
}
