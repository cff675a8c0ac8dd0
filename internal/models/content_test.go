package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/filebridge/internal/models"
)

func TestIsEditable(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content []byte
		want    bool
	}{
		{"text file", "notes.txt", []byte("hello\nworld"), true},
		{"image extension", "photo.JPG", nil, false},
		{"archive extension", "a.zip", []byte("text"), false},
		{"nul byte", "data.bin", []byte{'a', 0, 'b'}, false},
		{"empty unknown", "empty", nil, true},
		{"control heavy", "x.dat", []byte{1, 2, 3, 4, 'a'}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.IsEditable(tt.path, tt.content))
		})
	}
}

func TestIsImage(t *testing.T) {
	assert.True(t, models.IsImage("/a/b.jpeg"))
	assert.True(t, models.IsImage("B.PNG"))
	assert.False(t, models.IsImage("c.txt"))
}
