package service

import (
	"context"
	"errors"

	"github.com/KanopusDev/Kale/internal/events/domain"
)

// Multi fans an event out to every publisher and joins their errors.
type Multi []domain.Publisher

func (m Multi) Publish(ctx context.Context, e domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
