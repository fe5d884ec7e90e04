// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process runs external commands and serializes mutating guestvm
instances.

# Overview

  - Manager: runs the container runtime CLI and the remote-desktop client
  - Lock: flock(2) lock so only one guestvm instance writes the
    specification file at a time

# Manager

Every runtime invocation goes through Manager so adapters can be tested
without a container engine installed.

	pm := process.NewExecManager()
	res, err := pm.Run(ctx, "docker", "--version")
	if err != nil {
	    return err // binary missing or could not start
	}
	if res.ExitCode != 0 {
	    // the caller decides what a non-zero exit means
	}

Tests use MockManager:

	mock := &process.MockManager{
	    RunFunc: func(ctx context.Context, dir, name string, args ...string) (*process.Result, error) {
	        return &process.Result{Stdout: "running\n"}, nil
	    },
	}

# Lock

	lock := process.NewLock(process.LockConfig{Dir: appDir})
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Thread Safety

  - Manager implementations are safe for concurrent use
  - Lock is NOT safe for concurrent use from multiple goroutines
*/
package process
