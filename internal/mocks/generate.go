// Package mocks provides gomock implementations of the courier ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/inter-actief/courier/internal/core JobRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=workflow_repository_mock.go github.com/inter-actief/courier/internal/core WorkflowRepository

// Delivery and backend ports.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=sender_mock.go github.com/inter-actief/courier/internal/mailer Sender
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=exporter_mock.go github.com/inter-actief/courier/internal/exporter Exporter
