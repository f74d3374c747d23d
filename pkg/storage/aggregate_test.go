package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureTasks() []Doc {
	return []Doc{
		{"username": "alice", "state": 1.0, "container_ram": 512.0, "tags": []interface{}{"a", "b"}},
		{"username": "alice", "state": 3.0, "container_ram": 1024.0, "tags": []interface{}{"a"}},
		{"username": "bob", "state": 4.0, "container_ram": 256.0, "tags": []interface{}{}},
	}
}

func TestPipelineMatchCount(t *testing.T) {
	docs, err := RunPipeline(fixtureTasks(), []Doc{
		{"$match": Doc{"username": "alice"}},
		{"$count": "total"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(2), docs[0]["total"])
}

func TestPipelineSortSkipLimit(t *testing.T) {
	docs, err := RunPipeline(fixtureTasks(), []Doc{
		{"$sort": Doc{"container_ram": -1}},
		{"$skip": 1},
		{"$limit": 1},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 512.0, docs[0]["container_ram"])
}

func TestPipelineGroup(t *testing.T) {
	docs, err := RunPipeline(fixtureTasks(), []Doc{
		{"$group": Doc{
			"_id":   "$username",
			"ram":   Doc{"$sum": "$container_ram"},
			"count": Doc{"$sum": 1},
		}},
		{"$sort": Doc{"_id": 1}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "alice", docs[0]["_id"])
	assert.Equal(t, 1536.0, docs[0]["ram"])
	assert.Equal(t, 2.0, docs[0]["count"])
	assert.Equal(t, "bob", docs[1]["_id"])
}

func TestPipelineUnwindProject(t *testing.T) {
	docs, err := RunPipeline(fixtureTasks(), []Doc{
		{"$unwind": "$tags"},
		{"$project": Doc{"tags": 1}},
	})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	for _, d := range docs {
		_, ok := d["tags"].(string)
		assert.True(t, ok)
		assert.NotContains(t, d, "username")
	}
}

func TestPipelineRejectsUnknownStage(t *testing.T) {
	_, err := RunPipeline(fixtureTasks(), []Doc{
		{"$lookup": Doc{"from": "users"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$lookup")
}

func TestPipelineRejectsMultiOperatorStage(t *testing.T) {
	_, err := RunPipeline(fixtureTasks(), []Doc{
		{"$match": Doc{}, "$limit": 1},
	})
	require.Error(t, err)
}
