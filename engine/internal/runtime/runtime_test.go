package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeConfigManager(t *testing.T) {
	t.Run("create_and_load_configuration", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "bid_policy.yaml")

		manager, err := NewRuntimeConfigManager(configPath)
		require.NoError(t, err)
		require.NotNil(t, manager)

		config := manager.GetCurrentConfig()
		assert.NotNil(t, config)
		assert.Empty(t, config.Version)

		err = manager.LoadConfiguration()
		assert.NoError(t, err)
	})

	t.Run("update_configuration_runtime", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "bid_policy.yaml")

		manager, err := NewRuntimeConfigManager(configPath)
		require.NoError(t, err)

		newConfig := &RuntimeBusinessConfig{
			Version:   "1.2.3",
			UpdatedAt: time.Now(),
			BidPolicy: &BidPolicy{
				GlobalPolicy: &GlobalBidPolicy{
					MaxConcurrency: 10,
					Timeout:        30 * time.Second,
				},
				Overrides: []CampaignPolicyOverride{
					{CampaignID: "camp-1", FloorPriceCPM: 1.5, FrequencyCapMax: 3},
				},
			},
			HotReloadEnabled: true,
		}

		err = manager.UpdateConfiguration(newConfig)
		require.NoError(t, err)

		current := manager.GetCurrentConfig()
		assert.Equal(t, "1.2.3", current.Version)
		assert.True(t, current.HotReloadEnabled)
		assert.NotNil(t, current.BidPolicy)
		assert.Equal(t, 10, current.BidPolicy.GlobalPolicy.MaxConcurrency)
		assert.Len(t, current.BidPolicy.Overrides, 1)
	})

	t.Run("configuration_validation", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "bid_policy.yaml")

		manager, err := NewRuntimeConfigManager(configPath)
		require.NoError(t, err)

		invalidConfig := &RuntimeBusinessConfig{
			Version: "invalid",
			BidPolicy: &BidPolicy{
				GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: -1, Timeout: -1 * time.Second},
			},
		}
		err = manager.ValidateConfiguration(invalidConfig)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "concurrency")

		invalidOverride := &RuntimeBusinessConfig{
			Version: "2.0.0",
			BidPolicy: &BidPolicy{
				Overrides: []CampaignPolicyOverride{{CampaignID: "", FloorPriceCPM: 1}},
			},
		}
		err = manager.ValidateConfiguration(invalidOverride)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "campaign_id")

		validConfig := &RuntimeBusinessConfig{
			Version: "2.0.0",
			BidPolicy: &BidPolicy{
				GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 20, Timeout: 45 * time.Second},
				Overrides:    []CampaignPolicyOverride{{CampaignID: "camp-2", FloorPriceCPM: 0.5}},
			},
		}
		err = manager.ValidateConfiguration(validConfig)
		assert.NoError(t, err)
	})
}

func TestHotReloadSystem(t *testing.T) {
	t.Run("configuration_change_detection", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "change_detection.yaml")

		hotReloader, err := NewHotReloadSystem(configPath)
		require.NoError(t, err)

		oldC := &RuntimeBusinessConfig{
			Version:   "1.0.0",
			BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 10}},
		}
		newC := &RuntimeBusinessConfig{
			Version:   "1.1.0",
			BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 15}},
		}
		assert.True(t, hotReloader.DetectChanges(oldC, newC))

		identical := &RuntimeBusinessConfig{
			Version:   "1.0.0",
			BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 10}},
		}
		assert.False(t, hotReloader.DetectChanges(oldC, identical))
	})

	t.Run("watch_and_detect_file_write", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "watched_policy.yaml")

		hotReloader, err := NewHotReloadSystem(configPath)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		changes, errs := hotReloader.WatchConfigChanges(ctx)
		assert.NotNil(t, changes)
		assert.NotNil(t, errs)

		manager, err := NewRuntimeConfigManager(configPath)
		require.NoError(t, err)
		err = manager.UpdateConfiguration(&RuntimeBusinessConfig{
			Version:   "1.0.0",
			BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 10, Timeout: 30 * time.Second}},
		})
		require.NoError(t, err)

		select {
		case change := <-changes:
			assert.NotNil(t, change)
			assert.Equal(t, "1.0.0", change.Version)
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		case <-ctx.Done():
			t.Log("watch deadline hit before write was observed; acceptable on slow filesystems")
		}

		assert.NoError(t, hotReloader.StopWatching())
	})
}

func TestConfigurationVersioning(t *testing.T) {
	t.Run("version_history_tracking", func(t *testing.T) {
		tempDir := t.TempDir()

		versionManager, err := NewConfigVersionManager(tempDir)
		require.NoError(t, err)

		v1 := &RuntimeBusinessConfig{Version: "1.0.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 5}}}
		require.NoError(t, versionManager.SaveVersion(v1, "initial bid policy"))

		v2 := &RuntimeBusinessConfig{Version: "1.1.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 10}}}
		require.NoError(t, versionManager.SaveVersion(v2, "raised concurrency"))

		history, err := versionManager.GetVersionHistory()
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("configuration_rollback", func(t *testing.T) {
		tempDir := t.TempDir()

		versionManager, err := NewConfigVersionManager(tempDir)
		require.NoError(t, err)

		versions := []*RuntimeBusinessConfig{
			{Version: "1.0.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 5}}},
			{Version: "1.1.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 10}}},
		}
		for i, cfg := range versions {
			require.NoError(t, versionManager.SaveVersion(cfg, "version %d", i+1))
		}

		rolledBack, err := versionManager.RollbackToVersion("1.1.0")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", rolledBack.Version)
		assert.Equal(t, 10, rolledBack.BidPolicy.GlobalPolicy.MaxConcurrency)

		_, err = versionManager.RollbackToVersion("99.99.99")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "version not found")
	})
}

func TestABTestingFramework(t *testing.T) {
	t.Run("create_and_bucket_ab_test", func(t *testing.T) {
		tempDir := t.TempDir()

		abTester, err := NewABTestingFramework(tempDir)
		require.NoError(t, err)

		control := &RuntimeBusinessConfig{Version: "control-1.0.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 10}}}
		experiment := &RuntimeBusinessConfig{Version: "experiment-1.0.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 20}}}

		testID, err := abTester.CreateABTest("pacing-aggressiveness", control, experiment, 0.5)
		require.NoError(t, err)
		assert.NotEmpty(t, testID)

		for i := 0; i < 50; i++ {
			selected := abTester.GetConfigForUser("user-"+string(rune('a'+i%26)), testID)
			require.NotNil(t, selected)
			assert.True(t, selected.Version == "control-1.0.0" || selected.Version == "experiment-1.0.0")
		}
	})

	t.Run("ab_test_results_tracking", func(t *testing.T) {
		tempDir := t.TempDir()

		abTester, err := NewABTestingFramework(tempDir)
		require.NoError(t, err)

		control := &RuntimeBusinessConfig{Version: "control", BidPolicy: &BidPolicy{}}
		experiment := &RuntimeBusinessConfig{Version: "experiment", BidPolicy: &BidPolicy{}}

		testID, err := abTester.CreateABTest("win-rate", control, experiment, 0.5)
		require.NoError(t, err)

		require.NoError(t, abTester.RecordTestResult(testID, "user-1", "control", true, 1.5))
		require.NoError(t, abTester.RecordTestResult(testID, "user-2", "experiment", false, 2.1))
		require.NoError(t, abTester.RecordTestResult(testID, "user-3", "control", true, 1.8))

		results, err := abTester.AnalyzeTestResults(testID)
		require.NoError(t, err)
		require.NotNil(t, results)

		assert.Contains(t, results.VariantResults, "control")
		assert.Contains(t, results.VariantResults, "experiment")

		controlResults := results.VariantResults["control"]
		assert.Equal(t, 2, controlResults.SampleSize)
		assert.Equal(t, 1.0, controlResults.SuccessRate)
		assert.InDelta(t, 1.65, controlResults.AverageResponseTime, 0.001)

		experimentResults := results.VariantResults["experiment"]
		assert.Equal(t, 1, experimentResults.SampleSize)
		assert.Equal(t, 0.0, experimentResults.SuccessRate)
	})
}

func TestRuntimeConfigIntegration(t *testing.T) {
	t.Run("end_to_end_deploy_and_update", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "integration_policy.yaml")

		configManager, err := NewRuntimeConfigManager(configPath)
		require.NoError(t, err)

		hotReloader, err := NewHotReloadSystem(configPath)
		require.NoError(t, err)

		versionManager, err := NewConfigVersionManager(filepath.Join(tempDir, "versions"))
		require.NoError(t, err)

		runtimeSystem, err := NewIntegratedRuntimeSystem(configManager, hotReloader, versionManager)
		require.NoError(t, err)
		require.NotNil(t, runtimeSystem)

		initial := &RuntimeBusinessConfig{
			Version:          "1.0.0",
			BidPolicy:        &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 8, Timeout: 20 * time.Second}},
			HotReloadEnabled: true,
		}
		require.NoError(t, runtimeSystem.DeployConfiguration(initial, "initial bid policy deployment"))

		current := runtimeSystem.GetCurrentConfiguration()
		assert.Equal(t, "1.0.0", current.Version)
		assert.Equal(t, 8, current.BidPolicy.GlobalPolicy.MaxConcurrency)

		updated := &RuntimeBusinessConfig{
			Version:          "1.1.0",
			BidPolicy:        &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 12, Timeout: 25 * time.Second}},
			HotReloadEnabled: true,
		}
		require.NoError(t, runtimeSystem.DeployConfiguration(updated, "raised concurrency and timeout"))

		current = runtimeSystem.GetCurrentConfiguration()
		assert.Equal(t, "1.1.0", current.Version)
		assert.Equal(t, 12, current.BidPolicy.GlobalPolicy.MaxConcurrency)
	})

	t.Run("rollback_integration", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "rollback_policy.yaml")

		configManager, err := NewRuntimeConfigManager(configPath)
		require.NoError(t, err)

		versionManager, err := NewConfigVersionManager(filepath.Join(tempDir, "rollback_versions"))
		require.NoError(t, err)

		runtimeSystem, err := NewIntegratedRuntimeSystem(configManager, nil, versionManager)
		require.NoError(t, err)

		v1 := &RuntimeBusinessConfig{Version: "1.0.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 5}}}
		require.NoError(t, runtimeSystem.DeployConfiguration(v1, "version 1"))

		v2 := &RuntimeBusinessConfig{Version: "2.0.0", BidPolicy: &BidPolicy{GlobalPolicy: &GlobalBidPolicy{MaxConcurrency: 15}}}
		require.NoError(t, runtimeSystem.DeployConfiguration(v2, "version 2"))

		assert.Equal(t, "2.0.0", runtimeSystem.GetCurrentConfiguration().Version)

		require.NoError(t, runtimeSystem.RollbackToVersion("1.0.0"))
		rolledBack := runtimeSystem.GetCurrentConfiguration()
		assert.Equal(t, "1.0.0", rolledBack.Version)
		assert.Equal(t, 5, rolledBack.BidPolicy.GlobalPolicy.MaxConcurrency)
	})
}
