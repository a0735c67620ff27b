// Package static holds the example link plan printed by machlink schema --example.
package static

// ExamplePlan is a small arm64 dylib that links as is.
const ExamplePlan = `# This is an example machlink link plan.
# Generate the full schema with: machlink schema -o plan.schema.json
output: libhello.dylib

options:
  arch: arm64
  kind: dylib
  fixups: chained
  unaligned_pointers: error
  install_name: /usr/local/lib/libhello.dylib
  current_version: 1.0.0
  compatibility_version: 1.0.0
  platform: macos
  min_os: "14.0"
  sdk: "14.0"
  function_starts: true

dylibs:
  - /usr/lib/libSystem.B.dylib

files:
  - id: hello
    path: /tmp/hello.o
    source: /src/hello.c

sections:
  - segment: __TEXT
    section: __text
    type: code
    align: 2
    atoms:
      - name: _hello
        file: hello
        content: fd7bbfa9 00000094 fd7bc1a8 c0035fd6
        fixups:
          - offset: 4
            kind: store-target-address-arm64-branch26
            target: _helper
      - name: _helper
        scope: translation-unit
        file: hello
        content: c0035fd6
  - segment: __DATA
    section: __data
    align: 3
    atoms:
      - name: _table
        file: hello
        align: 3
        size: 24
        fixups:
          - offset: 0
            kind: store-target-address-little-endian-64
            target: _helper
          - offset: 8
            kind: store-target-address-little-endian-64
            target: _malloc
          - offset: 16
            kind: store-target-address-little-endian-64
            target: _malloc

externals:
  - name: _malloc
    definition: proxy
    dylib: /usr/lib/libSystem.B.dylib

dead_stripped:
  - name: _unused
    file: hello
    content: c0035fd6

# modelines, feel free to remove those if you don't want/use them:
# yaml-language-server: $schema=plan.schema.json
# vim: set ts=2 sw=2 tw=0 fo=cnqoj
`
