package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanch007/siliconflow-i2v/internal/domain"
)

func TestNewTask(t *testing.T) {
	t.Parallel()

	task := domain.NewTask("cat.jpg")

	assert.NotEqual(t, uuid.Nil, task.ID)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, "task created", task.Message)
	assert.Equal(t, "cat.jpg", task.ImageRef)
	assert.Nil(t, task.ParentTaskID)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Equal(t, task.CreatedAt, task.UpdatedAt)
	require.NoError(t, task.Validate())
}

func TestNewMergeTask(t *testing.T) {
	t.Parallel()

	task := domain.NewMergeTask("cat.jpg", "some-model", "merging 3 videos")

	assert.Equal(t, domain.TaskStatusMergingVideos, task.Status)
	assert.Equal(t, "merging 3 videos", task.Message)
	assert.Equal(t, "some-model", task.Model)
	require.NoError(t, task.Validate())
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	t.Run("empty ID", func(t *testing.T) {
		t.Parallel()
		task := domain.NewTask("cat.jpg")
		task.ID = uuid.Nil
		assert.ErrorIs(t, task.Validate(), domain.ErrEmptyTaskID)
	})

	t.Run("invalid status", func(t *testing.T) {
		t.Parallel()
		task := domain.NewTask("cat.jpg")
		task.Status = "exploded"
		assert.ErrorIs(t, task.Validate(), domain.ErrInvalidTaskStatus)
	})
}

func TestTaskIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []domain.TaskStatus{
		domain.TaskStatusCompleted,
		domain.TaskStatusCompletedWithWarning,
		domain.TaskStatusFailed,
	}
	for _, status := range terminal {
		task := domain.NewTask("cat.jpg")
		task.Status = status
		assert.True(t, task.IsTerminal(), "status %s should be terminal", status)
	}

	active := []domain.TaskStatus{
		domain.TaskStatusPending,
		domain.TaskStatusProcessingImage,
		domain.TaskStatusWaitingForVideo,
		domain.TaskStatusExtendingVideo,
		domain.TaskStatusMergingVideos,
	}
	for _, status := range active {
		task := domain.NewTask("cat.jpg")
		task.Status = status
		assert.False(t, task.IsTerminal(), "status %s should not be terminal", status)
	}
}

func TestIsValidTaskStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.IsValidTaskStatus(domain.TaskStatusDownloadingVideo))
	assert.True(t, domain.IsValidTaskStatus(domain.TaskStatusRefiningPrompt))
	assert.False(t, domain.IsValidTaskStatus(""))
	assert.False(t, domain.IsValidTaskStatus("unknown"))
}
