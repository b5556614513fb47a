package redis

import "fmt"

// StockKey is the admission counter for a product.
func StockKey(productID string) string {
	return fmt.Sprintf("stock:%s", productID)
}

// PriceKey holds the unit price in cents.
func PriceKey(productID string) string {
	return fmt.Sprintf("price:%s", productID)
}

// HoldReleasedKey marks that an order's cache hold has already been returned.
func HoldReleasedKey(orderID string) string {
	return fmt.Sprintf("stock:released:%s", orderID)
}

// ProgressKey stores the latest progress snapshot of an order.
func ProgressKey(orderID string) string {
	return fmt.Sprintf("order:progress:%s", orderID)
}

// SagaLockKey guards a workflow so only one process drives it.
func SagaLockKey(workflowID string) string {
	return fmt.Sprintf("saga:lock:%s", workflowID)
}

// SagaWakeChannel is where other processes announce new events for a workflow.
func SagaWakeChannel(workflowID string) string {
	return fmt.Sprintf("saga:wake:%s", workflowID)
}

// SagaWakePattern subscribes to the wake channel of every workflow.
const SagaWakePattern = "saga:wake:*"
