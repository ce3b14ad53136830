// Package metrics provides business metrics collection for the control plane.
package metrics

import (
	"context"
	"log"
	"runtime"
	"time"

	"gorm.io/gorm"
)

// BusinessMetricsCollector collects business metrics from the database
type BusinessMetricsCollector struct {
	db       *gorm.DB
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewBusinessMetricsCollector creates a new business metrics collector
func NewBusinessMetricsCollector(db *gorm.DB, interval time.Duration) *BusinessMetricsCollector {
	return &BusinessMetricsCollector{
		db:       db,
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic business metric collection
func (bmc *BusinessMetricsCollector) Start(ctx context.Context) {
	go func() {
		bmc.collectAll()

		ticker := time.NewTicker(bmc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				bmc.collectAll()
			case <-bmc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the business metrics collector
func (bmc *BusinessMetricsCollector) Stop() {
	close(bmc.stopCh)
}

func (bmc *BusinessMetricsCollector) collectAll() {
	bmc.collectUserMetrics()
	bmc.collectDeploymentMetrics()
	bmc.collectSubscriptionMetrics()
	bmc.collectSystemMetrics()
	bmc.collectDatabaseMetrics()
}

// collectUserMetrics collects user-related metrics
func (bmc *BusinessMetricsCollector) collectUserMetrics() {
	if bmc.db == nil {
		return
	}

	var totalUsers int64
	if err := bmc.db.Table("users").Count(&totalUsers).Error; err != nil {
		log.Printf("Failed to count total users: %v", err)
	} else {
		bmc.metrics.UpdateTotalUsers(int(totalUsers))
	}

	// Active users: a non-expired session in the last 24 hours
	var activeUsers int64
	dayAgo := time.Now().Add(-24 * time.Hour)
	if err := bmc.db.Table("sessions").Where("last_rotated_at > ?", dayAgo).
		Distinct("user_id").Count(&activeUsers).Error; err != nil {
		log.Printf("Failed to count active users: %v", err)
	} else {
		bmc.metrics.UpdateActiveUsers(int(activeUsers))
	}
}

// collectDeploymentMetrics collects deployment-related metrics
func (bmc *BusinessMetricsCollector) collectDeploymentMetrics() {
	if bmc.db == nil {
		return
	}

	var totalDeployments int64
	if err := bmc.db.Table("deployments").Count(&totalDeployments).Error; err != nil {
		log.Printf("Failed to count total deployments: %v", err)
	} else {
		bmc.metrics.UpdateTotalDeployments(int(totalDeployments))
	}

	var activeDeployments int64
	if err := bmc.db.Table("deployments").Where("status = ?", "active").Count(&activeDeployments).Error; err != nil {
		log.Printf("Failed to count active deployments: %v", err)
	} else {
		bmc.metrics.UpdateActiveDeployments(int(activeDeployments))
	}

	var inFlight int64
	if err := bmc.db.Table("deployments").
		Where("status IN ?", []string{"pending", "uploading", "analyzing", "building", "deploying"}).
		Count(&inFlight).Error; err != nil {
		log.Printf("Failed to count in-flight deployments: %v", err)
	} else {
		bmc.metrics.DeploymentsInFlight.Set(float64(inFlight))
	}
}

// collectSubscriptionMetrics collects subscription-related metrics
func (bmc *BusinessMetricsCollector) collectSubscriptionMetrics() {
	if bmc.db == nil {
		return
	}

	type PlanCount struct {
		Plan  string
		Count int64
	}

	var planCounts []PlanCount
	if err := bmc.db.Table("users").
		Select("tier as plan, count(*) as count").
		Where("tier_status = ?", "active").
		Group("tier").
		Scan(&planCounts).Error; err != nil {
		log.Printf("Failed to count subscriptions by plan: %v", err)
		return
	}

	for _, pc := range planCounts {
		plan := pc.Plan
		if plan == "" {
			plan = "free"
		}
		bmc.metrics.UpdateSubscriptions(plan, int(pc.Count))
	}
}

// collectSystemMetrics collects system-level metrics
func (bmc *BusinessMetricsCollector) collectSystemMetrics() {
	bmc.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}

// collectDatabaseMetrics collects database connection metrics
func (bmc *BusinessMetricsCollector) collectDatabaseMetrics() {
	if bmc.db == nil {
		return
	}

	sqlDB, err := bmc.db.DB()
	if err != nil {
		log.Printf("Failed to get database stats: %v", err)
		return
	}

	stats := sqlDB.Stats()
	bmc.metrics.DBConnectionsActive.Set(float64(stats.InUse))
	bmc.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
}
