package handler

import (
	"context"
	"errors"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"stitch-media/constant"
	"stitch-media/dto"
	"stitch-media/entities"
	"stitch-media/pkg/collage"
	"testing"
)

type mockPostService struct {
	mock.Mock
}

func (m *mockPostService) Process(ctx context.Context, message dto.ExportJobMessage) error {
	return m.Called(ctx, message).Error(0)
}

type mockCollageService struct {
	mock.Mock
}

func (m *mockCollageService) Process(ctx context.Context, message dto.CollageJobMessage) error {
	return m.Called(ctx, message).Error(0)
}

func (m *mockCollageService) Plan(strategy constant.CollageStrategy, params collage.Params, mainDuration float64, responseDurations []float64) ([]entities.CollageClip, collage.Summary, error) {
	panic("not used")
}

type mockMergeService struct {
	mock.Mock
}

func (m *mockMergeService) Process(ctx context.Context, message dto.MergeJobMessage) error {
	return m.Called(ctx, message).Error(0)
}

func TestExportHandlerDispatches(t *testing.T) {
	post := &mockPostService{}
	jobId, stateId := uuid.New(), uuid.New()
	post.On("Process", mock.Anything, mock.MatchedBy(func(m dto.ExportJobMessage) bool {
		return m.JobId == jobId && m.EditStateId == stateId && m.Tier == constant.TierRising && m.Compress
	})).Return(nil)

	body := `{"jobId":"` + jobId.String() + `","editStateId":"` + stateId.String() + `","tier":"rising","destination":"posts/1","compress":true}`
	err := ExportHandler(context.Background(), amqp.Delivery{Body: []byte(body)}, ServiceDependencies{PostService: post})

	require.NoError(t, err)
	post.AssertExpectations(t)
}

func TestExportHandlerRejectsMalformedBody(t *testing.T) {
	post := &mockPostService{}
	err := ExportHandler(context.Background(), amqp.Delivery{Body: []byte("{")}, ServiceDependencies{PostService: post})

	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent)
	post.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestExportHandlerRejectsMissingFields(t *testing.T) {
	post := &mockPostService{}
	err := ExportHandler(context.Background(), amqp.Delivery{Body: []byte(`{"jobId":"` + uuid.NewString() + `"}`)}, ServiceDependencies{PostService: post})

	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent)
	assert.ErrorContains(t, err, "validate message")
}

func TestCollageHandlerPropagatesServiceError(t *testing.T) {
	svc := &mockCollageService{}
	svc.On("Process", mock.Anything, mock.Anything).Return(errors.New("store down"))

	body := `{"jobId":"` + uuid.NewString() + `","strategy":"equal","mainKey":"a.mp4","responseKeys":["b.mp4"],"destination":"collages/1"}`
	err := CollageHandler(context.Background(), amqp.Delivery{Body: []byte(body)}, ServiceDependencies{CollageService: svc})

	assert.EqualError(t, err, "store down")
	svc.AssertExpectations(t)
}

func TestCollageHandlerRejectsUnknownStrategy(t *testing.T) {
	svc := &mockCollageService{}
	body := `{"jobId":"` + uuid.NewString() + `","strategy":"random","mainKey":"a.mp4","destination":"collages/1"}`
	err := CollageHandler(context.Background(), amqp.Delivery{Body: []byte(body)}, ServiceDependencies{CollageService: svc})

	assert.Error(t, err)
	svc.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestMergeHandlerDispatches(t *testing.T) {
	svc := &mockMergeService{}
	jobId, postId := uuid.New(), uuid.New()
	svc.On("Process", mock.Anything, mock.MatchedBy(func(m dto.MergeJobMessage) bool {
		return m.JobId == jobId &&
			len(m.SegmentKeys) == 2 &&
			m.Tier == constant.TierVeteran &&
			string(m.Context) == `{"kind":"response","postId":"`+postId.String()+`"}`
	})).Return(nil)

	body := `{"jobId":"` + jobId.String() + `","segmentKeys":["s/1.mp4","s/2.mp4"],"tier":"veteran",` +
		`"context":{"kind":"response","postId":"` + postId.String() + `"},"destination":"recordings/1"}`
	err := MergeHandler(context.Background(), amqp.Delivery{Body: []byte(body)}, ServiceDependencies{MergeService: svc})

	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestMergeHandlerRejectsEmptySegments(t *testing.T) {
	svc := &mockMergeService{}
	for _, body := range []string{
		`{"jobId":"` + uuid.NewString() + `","segmentKeys":[],"destination":"recordings/1"}`,
		`{"jobId":"` + uuid.NewString() + `","segmentKeys":[""],"destination":"recordings/1"}`,
	} {
		err := MergeHandler(context.Background(), amqp.Delivery{Body: []byte(body)}, ServiceDependencies{MergeService: svc})

		var permanent *backoff.PermanentError
		assert.ErrorAs(t, err, &permanent, body)
	}
	svc.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}
