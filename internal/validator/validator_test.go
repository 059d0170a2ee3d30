package validator

import (
	"testing"

	"github.com/gin-gonic/gin/binding"
	govalidator "github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenResolutionRule(t *testing.T) {
	Setup()
	v, ok := binding.Validator.Engine().(*govalidator.Validate)
	require.True(t, ok)

	type payload struct {
		ScreenResolution string `json:"screen_resolution" validate:"omitempty,screen_resolution"`
	}

	assert.NoError(t, v.Struct(payload{ScreenResolution: "1920x1080"}))
	assert.NoError(t, v.Struct(payload{ScreenResolution: "375x812"}))
	assert.NoError(t, v.Struct(payload{}), "resolution is optional")

	for _, bad := range []string{"huge", "1920*1080", "x1080", "1920x", "1x1"} {
		assert.Error(t, v.Struct(payload{ScreenResolution: bad}), bad)
	}
}

func TestTranslateErrorsReportsFieldNames(t *testing.T) {
	Setup()
	v, ok := binding.Validator.Engine().(*govalidator.Validate)
	require.True(t, ok)

	type payload struct {
		ExamID string `json:"exam_id" validate:"required"`
	}

	err := v.Struct(payload{})
	require.Error(t, err)

	fields := TranslateErrors(err)
	require.Contains(t, fields, "exam_id", "messages must use the JSON field name")
}
