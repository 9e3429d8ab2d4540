// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// cachi2-go prefetches and verifies third-party dependencies so a
// downstream container build can run fully offline.
package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/orchestrator"
	"github.com/containerbuildsystem/cachi2-go/internal/output"
	"github.com/containerbuildsystem/cachi2-go/internal/request"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "cachi2",
		Short:         "Prefetch and verify dependencies for hermetic container builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(fetchDepsCmd())
	rootCmd.AddCommand(generateEnvCmd())
	rootCmd.AddCommand(injectFilesCmd())
	rootCmd.AddCommand(mergeSBOMsCmd())
	if err := rootCmd.Execute(); err != nil {
		log.Printf("error: %v", err)
		var cerr *cachierr.Error
		if errors.As(err, &cerr) {
			if cerr.Solution != "" {
				log.Printf("solution: %s", cerr.Solution)
			}
			if cerr.Docs != "" {
				log.Printf("docs: %s", cerr.Docs)
			}
			os.Exit(cerr.ExitCode())
		}
		os.Exit(1)
	}
}

func fetchDepsCmd() *cobra.Command {
	var sourceDir, outputDir string
	var cgoDisable, forceGomodTidy, gomodVendor, gomodVendorCheck, devPackageManagers bool
	cmd := &cobra.Command{
		Use:   "fetch-deps PKG",
		Short: "Download and verify every dependency named by PKG's lockfiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packages, flags, err := parsePackageArg(args[0])
			if err != nil {
				return err
			}
			if cgoDisable {
				flags = append(flags, request.FlagCgoDisable)
			}
			if forceGomodTidy {
				flags = append(flags, request.FlagForceGomodTidy)
			}
			if gomodVendor {
				flags = append(flags, request.FlagGomodVendor)
			}
			if gomodVendorCheck {
				flags = append(flags, request.FlagGomodVendorCheck)
			}
			if devPackageManagers {
				flags = append(flags, request.FlagDevPackageManagers)
			}
			req, err := request.New(sourceDir, outputDir, packages, flags)
			if err != nil {
				return err
			}
			o := &orchestrator.Orchestrator{
				Client: http.DefaultClient,
				InsecureClient: &http.Client{Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				}},
			}
			res, err := o.ResolvePackages(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := output.WriteBOM(req.OutputDir, res.Components); err != nil {
				return err
			}
			if err := output.WriteBuildConfig(req.OutputDir, output.BuildConfig{
				EnvironmentVariables: res.EnvironmentVariables,
				ProjectFiles:         res.ProjectFiles,
			}); err != nil {
				return err
			}
			log.Printf("All dependencies fetched successfully \\o/")
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceDir, "source", ".", "source directory to process")
	cmd.Flags().StringVar(&outputDir, "output", "./cachi2-output", "directory for prefetched dependencies and metadata")
	cmd.Flags().BoolVar(&cgoDisable, "cgo-disable", false, "add CGO_ENABLED=0 to the generated Go build environment")
	cmd.Flags().BoolVar(&forceGomodTidy, "force-gomod-tidy", false, "accepted for compatibility; has no effect")
	cmd.Flags().BoolVar(&gomodVendor, "gomod-vendor", false, "use the committed vendor/ directory instead of downloading Go modules")
	cmd.Flags().BoolVar(&gomodVendorCheck, "gomod-vendor-check", false, "like --gomod-vendor, but fail if vendor/ changes")
	cmd.Flags().BoolVar(&devPackageManagers, "dev-package-managers", false, "enable package managers in development support")
	return cmd
}

// parsePackageArg accepts the four PKG spellings: a bare
// package-type name, a JSON object {type, path, ...}, a JSON array of
// such, or a JSON object {packages, flags}.
func parsePackageArg(arg string) ([]request.PackageInput, []request.Flag, error) {
	trimmed := strings.TrimSpace(arg)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var probe struct {
			Packages json.RawMessage `json:"packages"`
			Flags    []string        `json:"flags"`
		}
		if err := json.Unmarshal([]byte(trimmed), &probe); err == nil && probe.Packages != nil {
			packages, err := parsePackageList(probe.Packages)
			if err != nil {
				return nil, nil, err
			}
			var flags []request.Flag
			for _, f := range probe.Flags {
				if !request.ValidFlag(request.Flag(f)) {
					return nil, nil, cachierr.InvalidInput("unknown flag %q", f)
				}
				flags = append(flags, request.Flag(f))
			}
			return packages, flags, nil
		}
		pkg, err := request.ParsePackageInput([]byte(trimmed))
		if err != nil {
			return nil, nil, err
		}
		return []request.PackageInput{pkg}, nil, nil
	case strings.HasPrefix(trimmed, "["):
		packages, err := parsePackageList(json.RawMessage(trimmed))
		if err != nil {
			return nil, nil, err
		}
		return packages, nil, nil
	default:
		pkg, err := request.ParsePackageInput([]byte(fmt.Sprintf("{%q: %q}", "type", trimmed)))
		if err != nil {
			return nil, nil, err
		}
		return []request.PackageInput{pkg}, nil, nil
	}
}

func parsePackageList(raw json.RawMessage) ([]request.PackageInput, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, cachierr.InvalidInput("parsing package list: %s", err).WithCause(err)
	}
	var out []request.PackageInput
	for _, item := range items {
		pkg, err := request.ParsePackageInput(item)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, nil
}

func generateEnvCmd() *cobra.Command {
	var forOutputDir, outFile, format string
	cmd := &cobra.Command{
		Use:   "generate-env FROM_OUTPUT_DIR",
		Short: "Render the build environment variables for a consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := output.LoadBuildConfig(args[0])
			if err != nil {
				return err
			}
			dir := forOutputDir
			if dir == "" {
				dir, err = filepath.Abs(args[0])
				if err != nil {
					return err
				}
			}
			w := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return errors.Wrapf(err, "creating %s", outFile)
				}
				defer f.Close()
				w = f
			}
			return output.GenerateEnv(w, cfg, output.EnvFormat(format), dir)
		},
	}
	cmd.Flags().StringVar(&forOutputDir, "for-output-dir", "", "output directory path as seen at build time")
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or env")
	return cmd
}

func injectFilesCmd() *cobra.Command {
	var forOutputDir string
	cmd := &cobra.Command{
		Use:   "inject-files FROM_OUTPUT_DIR",
		Short: "Write the project files that redirect build tools to the prefetched dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := output.LoadBuildConfig(args[0])
			if err != nil {
				return err
			}
			dir := forOutputDir
			if dir == "" {
				dir, err = filepath.Abs(args[0])
				if err != nil {
					return err
				}
			}
			return output.InjectFiles(cfg, args[0], dir)
		},
	}
	cmd.Flags().StringVar(&forOutputDir, "for-output-dir", "", "output directory path as seen at build time")
	return cmd
}

func mergeSBOMsCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "merge-sboms SBOM...",
		Short: "Merge two or more cachi2 SBOMs into one",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			merged, err := output.MergeSBOMs(args)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return errors.Wrapf(err, "creating %s", outFile)
				}
				defer f.Close()
				w = f
			}
			return sbom.Encode(w, merged)
		},
	}
	cmd.Flags().StringVarP(&outFile, "output", "o", "", "write to this file instead of stdout")
	return cmd
}
