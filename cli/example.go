// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

const exampleConfig = `listen: ":8080"
shutdown-timeout: 5s
log:
  level: info
  format: console
engine:
  root: ./fixtures
  chunk-size: 4kb
storage:
  type: file
  path: ./.cache/outlet
cache:
  type: rsc;utf-8
  ttl: 10m
server:
  modules:
    - /static/client.js
  chunk-size: 32kb
  max-action-body: 10mb
  cache:
    enabled: true
    max-entry-size: 4mb
  remote-outlets:
    - name: cart
      url: http://cart.internal:8080/cart
  client:
    timeout: 10s
monitoring:
  expvar:
    enabled: true
    listen: ":1234"
  report: 10s
`
