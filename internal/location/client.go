package location

import (
	"context"
	"sync"
	"time"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// ClientReporter is a Provider fed by device state reported over the API.
// The app posts its location services state, permission state, and latest
// fix alongside flow events; the acquisition chain then reads the most
// recent report. Until the first report arrives, services and permission
// are assumed on and only the missing fix fails acquisition.
type ClientReporter struct {
	mu                sync.Mutex
	servicesEnabled   bool
	permissionGranted bool
	position          *models.Location
	reportedAt        time.Time
	now               func() time.Time
}

func NewClientReporter() *ClientReporter {
	return &ClientReporter{
		servicesEnabled:   true,
		permissionGranted: true,
		now:               time.Now,
	}
}

// Report records the device state sent by the client. A nil position keeps
// any previously reported fix as the last known one.
func (c *ClientReporter) Report(servicesEnabled, permissionGranted bool, pos *models.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servicesEnabled = servicesEnabled
	c.permissionGranted = permissionGranted
	if pos != nil {
		c.position = pos
		c.reportedAt = c.now()
	}
}

func (c *ClientReporter) ServicesEnabled(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servicesEnabled, nil
}

func (c *ClientReporter) RequestPermission(ctx context.Context) (bool, error) {
	return c.PermissionStatus(ctx)
}

func (c *ClientReporter) PermissionStatus(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permissionGranted, nil
}

// CurrentPosition returns the reported fix when it is no older than maxAge.
func (c *ClientReporter) CurrentPosition(ctx context.Context, maxAge time.Duration) (*models.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.position == nil {
		return nil, ErrUnavailable
	}
	if c.now().Sub(c.reportedAt) > maxAge {
		return nil, ErrUnavailable
	}
	return c.position, nil
}

// LastKnownPosition returns the most recent reported fix regardless of age.
func (c *ClientReporter) LastKnownPosition(ctx context.Context) (*models.Location, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position, nil
}
