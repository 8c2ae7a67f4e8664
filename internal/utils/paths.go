package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

// HomeEnv relocates every per-user directory under a single root
const HomeEnv = "COMPUTE_CLIENT_HOME"

// AppPaths are the per-user directories of the compute client. Job directories are not among
// them: jobs live under the directory the daemon is started in.
type AppPaths struct {
	ConfigDir string
	LogDir    string
	DataDir   string
}

func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = "compute-client"
	}

	if root := os.Getenv(HomeEnv); root != "" {
		return ensureAppPaths(&AppPaths{
			ConfigDir: root,
			LogDir:    filepath.Join(root, "logs"),
			DataDir:   root,
		})
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	paths := &AppPaths{}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths.ConfigDir = filepath.Join(appData, appName)
		paths.LogDir = filepath.Join(appData, appName, "logs")
		paths.DataDir = filepath.Join(appData, appName)

	case "darwin":
		paths.ConfigDir = filepath.Join(homeDir, "Library", "Application Support", appName)
		paths.LogDir = filepath.Join(homeDir, "Library", "Logs", appName)
		paths.DataDir = paths.ConfigDir

	case "linux":
		// XDG base directories
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(homeDir, ".config")
		}
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			stateHome = filepath.Join(homeDir, ".local", "state")
		}

		paths.ConfigDir = filepath.Join(configHome, appName)
		paths.LogDir = filepath.Join(stateHome, appName, "logs")
		paths.DataDir = filepath.Join(dataHome, appName)

	default:
		root := filepath.Join(homeDir, "."+appName)
		paths.ConfigDir = root
		paths.LogDir = filepath.Join(root, "logs")
		paths.DataDir = root
	}

	return ensureAppPaths(paths)
}

// ensureAppPaths creates the directories, falling back to the working directory when any of
// them cannot be created
func ensureAppPaths(paths *AppPaths) *AppPaths {
	for _, dir := range []string{paths.ConfigDir, paths.LogDir, paths.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &AppPaths{ConfigDir: ".", LogDir: ".", DataDir: "."}
		}
	}
	return paths
}

// PullLogDir holds the progress logs of docker image pulls
func (ap *AppPaths) PullLogDir() string {
	return filepath.Join(ap.DataDir, "docker_logs", "pulls")
}
