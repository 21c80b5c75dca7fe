/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */

package worker

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/vmware/vmware-go-eph/clientlibrary/interfaces"
	"github.com/vmware/vmware-go-eph/logger"
)

// notifier forwards recoverable failures to the operator's exception handler.
type notifier struct {
	hostName string
	handler  atomic.Pointer[interfaces.ExceptionHandler]
	log      logger.Logger
}

func newNotifier(hostName string, handler interfaces.ExceptionHandler, log logger.Logger) *notifier {
	n := &notifier{hostName: hostName, log: log}
	n.setHandler(handler)
	return n
}

func (n *notifier) setHandler(handler interfaces.ExceptionHandler) {
	if handler == nil {
		n.handler.Store(nil)
		return
	}
	n.handler.Store(&handler)
}

func (n *notifier) notify(err error, action, partitionID string) {
	if errors.Is(err, context.Canceled) {
		n.log.Debugf("%s cancelled, partition: %q", action, partitionID)
		return
	}
	n.log.Errorf("%s failed, partition: %q, error: %+v", action, partitionID, err)

	handler := n.handler.Load()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			n.log.Errorf("Exception handler panicked: %v", r)
		}
	}()
	(*handler)(&interfaces.ExceptionReceivedInput{
		HostName:    n.hostName,
		Err:         err,
		Action:      action,
		PartitionID: partitionID,
	})
}
